package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	mls "github.com/suhasHere/mlschat"
)

// renderer styles command output. Colors are only emitted when the output
// is a terminal.
type renderer struct {
	out io.Writer

	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	label   lipgloss.Style
	sender  lipgloss.Style
	epoch   lipgloss.Style
	faint   lipgloss.Style
	heading lipgloss.Style
}

func newRenderer(out io.Writer) *renderer {
	lr := lipgloss.NewRenderer(out)
	return &renderer{
		out:     out,
		ok:      lr.NewStyle().Foreground(lipgloss.Color("2")),
		warn:    lr.NewStyle().Foreground(lipgloss.Color("3")),
		fail:    lr.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		label:   lr.NewStyle().Width(15).Foreground(lipgloss.Color("8")),
		sender:  lr.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		epoch:   lr.NewStyle().Foreground(lipgloss.Color("5")),
		faint:   lr.NewStyle().Faint(true),
		heading: lr.NewStyle().Bold(true).Underline(true),
	}
}

func (r *renderer) success(format string, args ...any) {
	fmt.Fprintln(r.out, r.ok.Render("✓")+" "+fmt.Sprintf(format, args...))
}

func (r *renderer) notice(text string) {
	fmt.Fprintln(r.out, r.warn.Render("!")+" "+text)
}

func (r *renderer) failure(err error) string {
	return r.fail.Render("error:") + " " + err.Error()
}

func (r *renderer) messages(group string, msgs []mls.DecryptedMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(r.out, r.faint.Render("no messages in "+group))
		return
	}

	fmt.Fprintln(r.out, r.heading.Render(group))
	for _, m := range msgs {
		header := fmt.Sprintf("%s %s %s",
			r.faint.Render(m.Timestamp.Local().Format("2006-01-02 15:04:05")),
			r.epoch.Render(fmt.Sprintf("[epoch %d]", m.Epoch)),
			r.sender.Render(m.Sender+":"),
		)

		body := string(m.Plaintext)
		if m.Err != nil {
			body = r.fail.Render("<undecryptable: " + m.Err.Error() + ">")
		}
		fmt.Fprintln(r.out, header+" "+body)
	}
}

func (r *renderer) info(status *mls.GroupStatus) {
	treeHash := status.TreeHash
	if !status.TreeHashValid {
		treeHash += " " + r.fail.Render("(does not verify)")
	}

	rows := [][2]string{
		{"group", status.Name},
		{"group id", status.GroupID},
		{"suite", status.CipherSuite.String()},
		{"epoch", fmt.Sprintf("%d", status.Epoch)},
		{"members", strings.Join(status.Members, ", ")},
		{"tree hash", treeHash},
		{"authenticator", status.Authenticator},
		{"messages", fmt.Sprintf("%d", status.Messages)},
	}
	for _, row := range rows {
		fmt.Fprintln(r.out, r.label.Render(row[0])+row[1])
	}
}
