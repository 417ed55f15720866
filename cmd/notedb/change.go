package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/notedb/change"
	"github.com/bobg/notedb/sequence"
)

// changeSequence names the counter change numbers come from.
const changeSequence = "changes"

func (c maincmd) nextID(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		batch = fs.Int64("batch", 1, "values to reserve per round trip")
		count = fs.Int("n", 1, "how many values to print")
		peek  = fs.Bool("peek", false, "show the next unreserved value without taking it")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("need exactly one sequence name")
	}

	b, err := c.backend(ctx)
	if err != nil {
		return err
	}
	seq, err := sequence.New(b, fs.Arg(0), &sequence.Options{Batch: *batch, Logger: c.log})
	if err != nil {
		return err
	}

	if *peek {
		v, err := seq.Peek(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}
	for i := 0; i < *count; i++ {
		v, err := seq.Next(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
	}
	return nil
}

func (c maincmd) createChange(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		info     change.Info
		hashtags string
	)
	fs.StringVar(&info.Project, "project", "", "project name")
	fs.StringVar(&info.Branch, "branch", "", "target branch")
	fs.StringVar(&info.Owner, "owner", "", "owner account")
	fs.StringVar(&info.Subject, "subject", "", "subject line")
	fs.StringVar(&info.Commit, "commit", "", "commit of patch set 1")
	fs.StringVar(&info.Topic, "topic", "", "topic")
	fs.StringVar(&info.ChangeID, "change-id", "", "Change-Id (default: generated)")
	fs.StringVar(&hashtags, "hashtags", "", "comma-separated hashtags")
	fs.BoolVar(&info.WorkInProgress, "wip", false, "mark as work in progress")
	fs.BoolVar(&info.Private, "private", false, "mark as private")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if info.ChangeID == "" {
		info.ChangeID = "I" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if hashtags != "" {
		info.Hashtags = strings.Split(hashtags, ",")
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	seq, err := sequence.New(r.Backend(), changeSequence, &sequence.Options{Logger: c.log})
	if err != nil {
		return err
	}
	ch, err := change.Create(ctx, r, seq, info, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("created change %d (%s)\n", ch.Number, ch.ChangeID)
	return nil
}

func (c maincmd) showChange(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("need exactly one change number")
	}
	number, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing change number %s", fs.Arg(0))
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	ch, err := change.Read(ctx, r, number)
	if err != nil {
		return err
	}
	return printYAML(changeYAML{
		Number:       ch.Number,
		ChangeID:     ch.ChangeID,
		Project:      ch.Project,
		Branch:       ch.Branch,
		Owner:        ch.Owner,
		Subject:      ch.Subject,
		Topic:        ch.Topic,
		Status:       string(ch.Status),
		PatchSet:     ch.PatchSet,
		Commit:       ch.Commit,
		SubmissionID: ch.SubmissionID,
		Created:      ch.Created.Format(time.RFC3339),
		Updated:      ch.Updated.Format(time.RFC3339),
		Hashtags:     ch.Hashtags,
		Reviewers:    ch.Reviewers,
		CCs:          ch.CCs,
		Assignee:     ch.Assignee,
		WIP:          ch.WorkInProgress,
		Private:      ch.Private,
		Approvals:    approvalsYAML(ch.Approvals),
		Messages:     messagesYAML(ch.Messages),
		Head:         ch.Head.String(),
	})
}

func approvalsYAML(approvals []change.Approval) map[string]map[string]int64 {
	if len(approvals) == 0 {
		return nil
	}
	out := make(map[string]map[string]int64)
	for _, a := range approvals {
		if out[a.Label] == nil {
			out[a.Label] = make(map[string]int64)
		}
		out[a.Label][a.Account] = a.Value
	}
	return out
}

func messagesYAML(msgs []change.Message) []messageYAML {
	var out []messageYAML
	for _, m := range msgs {
		out = append(out, messageYAML{
			Time:     m.Time.Format(time.RFC3339),
			Author:   m.Author,
			PatchSet: m.PatchSet,
			Text:     m.Text,
		})
	}
	return out
}

// review NUMBER [-as ACCOUNT] [-vote LABEL=VALUE]... [-m MESSAGE]
func (c maincmd) review(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		as       = fs.String("as", "", "reviewing account")
		message  = fs.String("m", "", "change message")
		assignee = fs.String("assign", "", "new assignee")
		votes    voteFlags
	)
	fs.Var(&votes, "vote", "LABEL=VALUE vote; repeatable; a zero value removes the vote")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("need exactly one change number")
	}
	if *as == "" {
		return errors.New("missing -as")
	}
	number, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing change number %s", fs.Arg(0))
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := change.Modify(ctx, r, number, time.Now(), func(_ *change.Change, u *change.Update) error {
		for _, v := range votes {
			u.PutApproval(*as, v.label, v.value)
		}
		if *message != "" {
			u.AddMessage(*as, *message)
		}
		if *assignee != "" {
			u.SetAssignee(*assignee)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		fmt.Println("nothing to do")
		return nil
	}
	fmt.Printf("change %d at %s\n", number, res.Head)
	return nil
}

type vote struct {
	label string
	value int64
}

type voteFlags []vote

func (v *voteFlags) String() string {
	var strs []string
	for _, x := range *v {
		strs = append(strs, fmt.Sprintf("%s=%+d", x.label, x.value))
	}
	return strings.Join(strs, ",")
}

func (v *voteFlags) Set(s string) error {
	label, raw, ok := strings.Cut(s, "=")
	if !ok || label == "" {
		return fmt.Errorf("malformed vote %q: want LABEL=VALUE", s)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing vote value %s", raw)
	}
	*v = append(*v, vote{label: label, value: n})
	return nil
}

type changeYAML struct {
	Number       int64    `yaml:"number"`
	ChangeID     string   `yaml:"change_id"`
	Project      string   `yaml:"project"`
	Branch       string   `yaml:"branch"`
	Owner        string   `yaml:"owner"`
	Subject      string   `yaml:"subject,omitempty"`
	Topic        string   `yaml:"topic,omitempty"`
	Status       string   `yaml:"status"`
	PatchSet     int64    `yaml:"patch_set"`
	Commit       string   `yaml:"commit,omitempty"`
	SubmissionID string   `yaml:"submission_id,omitempty"`
	Created      string   `yaml:"created"`
	Updated      string   `yaml:"updated"`
	Hashtags     []string `yaml:"hashtags,omitempty"`
	Reviewers    []string `yaml:"reviewers,omitempty"`
	CCs          []string `yaml:"ccs,omitempty"`
	Assignee     string   `yaml:"assignee,omitempty"`
	WIP          bool     `yaml:"wip,omitempty"`
	Private      bool     `yaml:"private,omitempty"`
	Head         string   `yaml:"head"`

	Approvals map[string]map[string]int64 `yaml:"approvals,omitempty"`
	Messages  []messageYAML               `yaml:"messages,omitempty"`
}

type messageYAML struct {
	Time     string `yaml:"time"`
	Author   string `yaml:"author"`
	PatchSet int64  `yaml:"patch_set"`
	Text     string `yaml:"text"`
}
