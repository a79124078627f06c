package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/view"
	"github.com/MarcoPoloResearchLab/dotmap/internal/viewport"
	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the markers of the selected map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.render(ctx, application.session.Snapshot())
			})
		},
	}
}

func newDropCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop LAT LNG",
		Short: "Drop a marker at a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := parsePosition(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.drop(ctx, position)
			})
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove MARKER_ID",
		Short: "Remove a marker from the selected map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.remove(ctx, args[0])
			})
		},
	}
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every marker currently on the selected map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.clear(ctx)
			})
		},
	}
}

func newFitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fit",
		Short: "Print the view that shows every marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.fit()
			})
		},
	}
}

func newMeCommand() *cobra.Command {
	meCmd := &cobra.Command{
		Use:   "me",
		Short: "Show or change my dot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app) error {
				return application.showMyDot(ctx)
			})
		},
	}
	meCmd.AddCommand(
		&cobra.Command{
			Use:   "toggle",
			Short: "Place my dot at the current position, or remove it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, application *app) error {
					return application.toggle(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "move",
			Short: "Move my dot to the current position",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, application *app) error {
					return application.move(ctx)
				})
			},
		},
	)
	return meCmd
}

func newCommunityCommand() *cobra.Command {
	communityCmd := &cobra.Command{
		Use:   "community",
		Short: "Manage communities",
	}
	communityCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List communities",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCommunities(cmd, func(ctx context.Context, application *app) error {
					return view.RenderCommunities(application.out, application.session.Communities())
				})
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a community",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCommunities(cmd, func(ctx context.Context, application *app) error {
					community, err := application.session.CreateCommunity(ctx, args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(application.out, "created community %s %q\n", community.ID, community.Name)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "rename COMMUNITY_ID NAME",
			Short: "Rename a community",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCommunities(cmd, func(ctx context.Context, application *app) error {
					return application.session.RenameCommunity(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "delete COMMUNITY_ID",
			Short: "Delete a community; its markers stay in the store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCommunities(cmd, func(ctx context.Context, application *app) error {
					return application.session.DeleteCommunity(ctx, args[0])
				})
			},
		},
	)
	return communityCmd
}

// withCommunities opens the client without selecting a marker scope.
func withCommunities(cmd *cobra.Command, fn func(ctx context.Context, application *app) error) error {
	application, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer application.close()

	ctx := cmd.Context()
	if err := application.session.FollowCommunities(ctx); err != nil {
		return err
	}
	return fn(ctx, application)
}

func parsePosition(rawLat, rawLng string) (mapsync.Position, error) {
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return mapsync.Position{}, fmt.Errorf("latitude %q: %w", rawLat, err)
	}
	lng, err := strconv.ParseFloat(rawLng, 64)
	if err != nil {
		return mapsync.Position{}, fmt.Errorf("longitude %q: %w", rawLng, err)
	}
	return mapsync.NewPosition(lat, lng)
}

func (a *app) drop(ctx context.Context, position mapsync.Position) error {
	marker, created, err := a.session.DropMarker(ctx, position)
	if err != nil {
		return err
	}
	if !created {
		_, err = fmt.Fprintf(a.out, "marker %s is already there\n", marker.ID)
		return err
	}
	_, err = fmt.Fprintf(a.out, "dropped marker %s at %.6f,%.6f\n", marker.ID, marker.Position.Lat, marker.Position.Lng)
	return err
}

func (a *app) remove(ctx context.Context, markerID string) error {
	if err := a.identity.DeleteMarker(ctx, markerID); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.out, "removed marker %s\n", markerID)
	return err
}

func (a *app) clear(ctx context.Context) error {
	issued := a.session.DeleteAll(ctx)
	_, err := fmt.Fprintf(a.out, "issued %d deletes\n", issued)
	return err
}

func (a *app) fit() error {
	viewport.Apply(a.terminal, viewport.Fit(a.session.Markers()))
	_, err := fmt.Fprintln(a.out, a.terminal.Describe())
	return err
}

func (a *app) showMyDot(ctx context.Context) error {
	marker, ok := a.identity.MyDot(ctx)
	if !ok {
		_, err := fmt.Fprintln(a.out, "my dot is not on this map")
		return err
	}
	_, err := fmt.Fprintf(a.out, "my dot %s at %.6f,%.6f\n", marker.ID, marker.Position.Lat, marker.Position.Lng)
	return err
}

func (a *app) toggle(ctx context.Context) error {
	result, err := a.identity.Toggle(ctx)
	if err != nil {
		return describeLocationError(err)
	}
	switch {
	case result.Created:
		_, err = fmt.Fprintf(a.out, "placed my dot %s at %.6f,%.6f\n", result.Marker.ID, result.Marker.Position.Lat, result.Marker.Position.Lng)
	case result.Removed:
		_, err = fmt.Fprintf(a.out, "removed my dot %s\n", result.Marker.ID)
	}
	return err
}

func (a *app) move(ctx context.Context) error {
	marker, err := a.identity.Move(ctx)
	if err != nil {
		return describeLocationError(err)
	}
	_, err = fmt.Fprintf(a.out, "moved my dot to %s at %.6f,%.6f\n", marker.ID, marker.Position.Lat, marker.Position.Lng)
	return err
}

func describeLocationError(err error) error {
	if errors.Is(err, identity.ErrPositionUnavailable) {
		return fmt.Errorf("%w: pass --lat and --lng", err)
	}
	return err
}
