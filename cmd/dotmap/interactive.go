package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/view"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const watchHelp = `commands:
  drop LAT LNG     drop a marker
  rm MARKER_ID     remove a marker
  clear            delete every marker on this map
  me               place or remove my dot
  move             move my dot to the current position
  fit              fit the view to the markers
  use [ID|global]  switch map; no argument shows nothing
  communities      list communities
  quit             exit`

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the selected map live and accept commands on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stopWatching := application.session.Watch(func(snapshot mapsync.Snapshot) {
				if renderErr := application.render(ctx, snapshot); renderErr != nil {
					application.logger.Warn("render failed", zap.Error(renderErr))
				}
			})
			defer stopWatching()

			if err := application.session.FollowCommunities(ctx); err != nil {
				return err
			}
			scope, err := selectedScope()
			if err != nil {
				return err
			}
			if err := application.session.Select(ctx, scope); err != nil {
				return err
			}
			fmt.Fprintln(application.out, watchHelp)
			return application.interact(ctx, cmd.InOrStdin())
		},
	}
}

// interact reads one command per line until quit, EOF, or cancellation.
func (a *app) interact(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.execute(ctx, strings.Fields(line))
			if err != nil {
				fmt.Fprintf(a.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) execute(ctx context.Context, fields []string) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	command, args := fields[0], fields[1:]
	switch command {
	case "quit", "exit":
		return true, nil
	case "help":
		_, err := fmt.Fprintln(a.out, watchHelp)
		return false, err
	case "drop":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: drop LAT LNG")
		}
		position, err := parsePosition(args[0], args[1])
		if err != nil {
			return false, err
		}
		return false, a.drop(ctx, position)
	case "rm":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: rm MARKER_ID")
		}
		return false, a.remove(ctx, args[0])
	case "clear":
		return false, a.clear(ctx)
	case "me":
		return false, a.toggle(ctx)
	case "move":
		return false, a.move(ctx)
	case "fit":
		return false, a.fit()
	case "use":
		return false, a.use(ctx, args)
	case "communities":
		return false, view.RenderCommunities(a.out, a.session.Communities())
	default:
		return false, fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) use(ctx context.Context, args []string) error {
	scope := mapsync.NoScope()
	if len(args) > 0 {
		if args[0] == "global" {
			scope = mapsync.GlobalScope()
		} else {
			communityScope, err := mapsync.CommunityScope(args[0])
			if err != nil {
				return err
			}
			scope = communityScope
		}
	}
	return a.session.Select(ctx, scope)
}
