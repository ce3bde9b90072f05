package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
)

func NewHistoryCommand(flags *GlobalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
		plain  bool
	)
	cmd := &cobra.Command{
		Use:   "history [room-id]",
		Short: "List stored rooms, or print one room's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := roomstore.Open(ctx, flags.Config().StoreSettings())
			if err != nil {
				return errors.Wrap(err, "open room store")
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				rooms, err := store.List(ctx, limit)
				if err != nil {
					return errors.Wrap(err, "list rooms")
				}
				if asJSON {
					return writeJSON(out, rooms)
				}
				for _, r := range rooms {
					_, _ = fmt.Fprintf(out, "%s\t%d turns\t%s\n", r.RoomID, r.Turns, r.LastUpdate.Format(time.RFC3339))
				}
				return nil
			}

			st, err := store.Load(ctx, args[0])
			if err != nil {
				return errors.Wrapf(err, "load room %s", args[0])
			}
			if asJSON {
				return writeJSON(out, st)
			}
			printTranscript(out, st, !plain && isTerminal(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of rooms to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print raw markdown even on a terminal")
	return cmd
}

func printTranscript(w io.Writer, st *conversation.RoomState, styled bool) {
	if st.Len() == 0 {
		_, _ = fmt.Fprintln(w, "(empty room)")
		return
	}
	render := plainRenderer
	if styled {
		render = glamourRenderer
	}
	for _, t := range st.Snapshot() {
		_, _ = fmt.Fprint(w, render(t))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
