// Package lifecycle holds the campaign state graph and the controller that
// sends lifecycle commands to the remote service.
package lifecycle

import (
	"fmt"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

type Command string

const (
	Execute Command = "execute"
	Pause   Command = "pause"
	Resume  Command = "resume"
	Reset   Command = "reset"
)

func (c Command) Valid() bool {
	switch c {
	case Execute, Pause, Resume, Reset:
		return true
	}
	return false
}

type edge struct {
	from model.CampaignStatus
	cmd  Command
}

var commandEdges = map[edge]model.CampaignStatus{
	{model.CampaignDraft, Execute}:   model.CampaignRunning,
	{model.CampaignRunning, Pause}:   model.CampaignPaused,
	{model.CampaignPaused, Resume}:   model.CampaignRunning,
	{model.CampaignCompleted, Reset}: model.CampaignDraft,
	{model.CampaignFailed, Reset}:    model.CampaignDraft,
}

// Next returns the status cmd leads to from the given status, or a
// precondition error when the graph has no such edge.
func Next(from model.CampaignStatus, cmd Command) (model.CampaignStatus, error) {
	if !cmd.Valid() {
		return "", appErrors.NewValidation("command", fmt.Sprintf("unknown command %q", cmd))
	}
	to, ok := commandEdges[edge{from, cmd}]
	if !ok {
		return "", appErrors.NewPrecondition(string(cmd)+" campaign", fmt.Sprintf("campaign is %s", from))
	}
	return to, nil
}

// Allowed lists the commands legal from status, in a stable order.
func Allowed(from model.CampaignStatus) []Command {
	var out []Command
	for _, cmd := range []Command{Execute, Pause, Resume, Reset} {
		if _, ok := commandEdges[edge{from, cmd}]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// CommandFor returns the command whose edge leads from one status to another.
func CommandFor(from, to model.CampaignStatus) (Command, bool) {
	for e, target := range commandEdges {
		if e.from == from && target == to {
			return e.cmd, true
		}
	}
	return "", false
}

// ServerReported reports whether a status change observed on the server is
// on the graph. Changes off the graph are still adopted; callers only log them.
func ServerReported(from, to model.CampaignStatus) bool {
	if from == to {
		return true
	}
	if from == model.CampaignRunning && to.Terminal() {
		return true
	}
	_, ok := CommandFor(from, to)
	return ok
}

// ResetUpdate is the PATCH body that moves a finished campaign back to draft.
// Counters are cleared so a rerun measures from zero.
func ResetUpdate() model.CampaignUpdate {
	status := model.CampaignDraft
	zero := 0
	return model.CampaignUpdate{
		Status:               &status,
		SubmissionsCompleted: &zero,
		SubmissionsFailed:    &zero,
	}
}
