package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/lanelink/internal/control"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
)

// clientFlags are shared by the commands talking to a running engine.
type clientFlags struct {
	socket string
	json   bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.socket, "socket", "s", "./data/control.sock", "Path to the control socket")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print raw JSON")
}

func (f *clientFlags) client() *control.Client {
	return control.NewClient(f.socket)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Display the status of a running engine through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to query status: %w", err)
			}
			if flags.json {
				return printJSON(st)
			}
			printStatus(st.Status)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func linksCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "links",
		Short: "List active links",
		Long:  "Display every negotiated link the running engine holds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			defer c.Close()

			resp, err := c.Links(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list links: %w", err)
			}
			if flags.json {
				return printJSON(resp)
			}
			printLinks(resp.Links)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func requestsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List builds and teardowns in flight",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			defer c.Close()

			resp, err := c.Requests(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list requests: %w", err)
			}
			if flags.json {
				return printJSON(resp)
			}
			printRequests(resp)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func bindingsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "List lane bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			defer c.Close()

			resp, err := c.Bindings(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list bindings: %w", err)
			}
			if flags.json {
				return printJSON(resp)
			}
			printBindings(resp.Bindings)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func destroyCmd() *cobra.Command {
	var flags clientFlags
	var ownerPID int32

	cmd := &cobra.Command{
		Use:   "destroy <peer> <req-id> <link-type>",
		Short: "Tear a link down",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[1], err)
			}
			lt, err := lane.ParseLinkType(args[2])
			if err != nil {
				return err
			}

			c := flags.client()
			defer c.Close()

			err = c.DestroyLink(cmd.Context(), control.DestroyRequest{
				Peer:     lane.PeerID(args[0]),
				ReqID:    uint32(reqID),
				LinkType: lt,
				OwnerPID: ownerPID,
			})
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Teardown started"))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().Int32Var(&ownerPID, "owner", 0, "Owner pid the link must belong to (0 skips the check)")
	return cmd
}

func cancelCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "cancel <req-id>",
		Short: "Cancel a build in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}

			c := flags.client()
			defer c.Close()

			if err := c.CancelBuild(cmd.Context(), uint32(reqID)); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Build canceled"))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream link up/down events",
		Long: `Follow the lifecycle events of a running engine until interrupted.
Events are printed as JSON lines when stdout is not a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := flags.client()
			defer c.Close()

			asJSON := flags.json || !term.IsTerminal(int(os.Stdout.Fd()))
			enc := json.NewEncoder(os.Stdout)
			return c.Events(ctx, func(ev lifecycle.Event) error {
				if asJSON {
					return enc.Encode(ev)
				}
				fmt.Println(formatEvent(ev))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}
