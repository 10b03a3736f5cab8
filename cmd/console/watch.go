package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unclebandit/miasma-console/internal/lifecycle"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/reconcile"
	"github.com/unclebandit/miasma-console/internal/service"
)

func campaignArg(args []string) (int, error) {
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid campaign id %q", args[0])
	}
	return id, nil
}

func newService(s *session) (*service.CampaignService, error) {
	remote, err := s.client()
	if err != nil {
		return nil, err
	}
	return service.New(remote, service.Options{
		CampaignInterval:   s.cfg.CampaignPollInterval,
		SubmissionInterval: s.cfg.SubmissionPollInterval,
		ListInterval:       s.cfg.ListPollInterval,
		RequestTimeout:     s.cfg.RequestTimeout,
		Logger:             s.logger,
	}), nil
}

func printCampaign(w io.Writer, c model.Campaign) {
	fmt.Fprintf(w, "#%d %-10s %d/%d done, %d failed (%.0f%%)\n",
		c.ID, c.Status, c.SubmissionsCompleted, c.Capacity(), c.SubmissionsFailed, c.Progress()*100)
}

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <campaign-id>",
		Short: "Follow a campaign until it stops running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignArg(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, sessionFrom(cmd.Context()), id, cmd.OutOrStdout())
		},
	}
}

func watch(ctx context.Context, s *session, id int, out io.Writer) error {
	svc, err := newService(s)
	if err != nil {
		return err
	}
	defer svc.Close()

	stopped := make(chan struct{})
	updates := make(chan model.Campaign, 16)
	svc.Store.Subscribe(func(prev, next reconcile.Entry, existed bool) {
		if next.Campaign.ID != id {
			return
		}
		select {
		case updates <- next.Campaign:
		default:
		}
	})

	consumer := "cli-" + uuid.NewString()
	c, err := svc.Watch(ctx, id, consumer)
	if err != nil {
		return err
	}
	defer svc.CloseConsumer(consumer)
	printCampaign(out, *c)
	if c.Status != model.CampaignRunning {
		return nil
	}

	go func() {
		defer close(stopped)
		last := *c
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				if u.Status == last.Status && u.Processed() == last.Processed() {
					continue
				}
				last = u
				printCampaign(out, u)
				if u.Status != model.CampaignRunning {
					return
				}
			}
		}
	}()
	<-stopped
	return nil
}

func commandCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "command <campaign-id> <execute|pause|resume|reset>",
		Short:     "Send a lifecycle command to a campaign",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"execute", "pause", "resume", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignArg(args)
			if err != nil {
				return err
			}
			command := lifecycle.Command(args[1])
			if !command.Valid() {
				return fmt.Errorf("unknown command %q", args[1])
			}
			svc, err := newService(sessionFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer svc.Close()

			if _, err := svc.Refresh(cmd.Context(), id); err != nil {
				return err
			}
			c, err := svc.Command(cmd.Context(), id, command)
			if err != nil {
				return err
			}
			printCampaign(cmd.OutOrStdout(), *c)
			return nil
		},
	}
}
