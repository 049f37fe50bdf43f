package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var reviewer string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Review queued gig candidates",
	}
	defaultReviewer := os.Getenv("USER")
	if defaultReviewer == "" {
		defaultReviewer = "cli"
	}
	cmd.PersistentFlags().StringVar(&reviewer, "reviewer", defaultReviewer, "Name recorded on decisions")

	decisionCtx := func(cmd *cobra.Command) context.Context {
		return queue.WithReviewer(cmd.Context(), reviewer)
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				var items []queue.Item
				var err error
				if state == "" {
					items, err = a.queue.List(cmd.Context())
				} else {
					st := queue.State(strings.ToUpper(state))
					if st != queue.StatePending && !st.Terminal() {
						return fmt.Errorf("unknown state %q", state)
					}
					items, err = a.queue.ListByState(cmd.Context(), st)
				}
				if err != nil {
					return err
				}
				return ctx.emit(cmd, itemsView(items, items))
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "Only items in this state (pending, approved, rejected)")

	counts := &cobra.Command{
		Use:   "counts",
		Short: "Count items per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				c, err := a.queue.Counts(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{}
				for _, st := range []queue.State{queue.StatePending, queue.StateApproved, queue.StateRejected} {
					rows = append(rows, []string{string(st), strconv.Itoa(c[st])})
				}
				return ctx.emit(cmd, view{
					value:   c,
					headers: []string{"State", "Items"},
					rows:    rows,
					aligns:  []columnAlignment{alignLeft, alignRight},
				})
			})
		},
	}

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one item with its resolutions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				it, err := a.queue.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				// The resolution detail does not fit a table.
				return writeJSON(cmd, it)
			})
		},
	}

	decide := func(use, short string, fn func(*app) func(context.Context, string) (*queue.Item, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withApp(cmd.Context(), func(a *app) error {
					dctx := decisionCtx(cmd)
					results := make([]queue.DecisionResult, 0, len(args))
					var errs []error
					for _, id := range args {
						it, err := fn(a)(dctx, id)
						results = append(results, decisionResult(id, it, err))
						if err != nil && !apperr.IsNoop(err) {
							errs = append(errs, fmt.Errorf("%s: %w", id, err))
						}
					}
					if err := ctx.emit(cmd, decisionsView(results)); err != nil {
						return err
					}
					return errors.Join(errs...)
				})
			},
		}
	}
	approve := decide("approve", "Approve items and write them to the registry", func(a *app) func(context.Context, string) (*queue.Item, error) {
		return a.queue.Approve
	})
	reject := decide("reject", "Reject items", func(a *app) func(context.Context, string) (*queue.Item, error) {
		return a.queue.Reject
	})

	var target, entityID string
	choose := &cobra.Command{
		Use:   "choose ID",
		Short: "Resolve an item's venue or artist to an existing or new entity",
		Long: `Resolve one side of a pending item. --entity selects an existing registry
entity; omitting it marks the side to create a new entity on approval.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := registry.EntityType(strings.ToLower(target))
			if !t.Valid() {
				return fmt.Errorf("--target must be venue or artist, got %q", target)
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				it, err := a.queue.Choose(decisionCtx(cmd), args[0], t, entityID)
				if err != nil {
					if apperr.IsNoop(err) {
						fmt.Fprintln(cmd.ErrOrStderr(), "nothing to do:", err)
						return nil
					}
					return err
				}
				return ctx.emit(cmd, itemsView(it, []queue.Item{*it}))
			})
		},
	}
	choose.Flags().StringVar(&target, "target", "", "Side to resolve (venue or artist)")
	choose.Flags().StringVar(&entityID, "entity", "", "Registry entity id; omit to create a new entity")
	_ = choose.MarkFlagRequired("target")

	cmd.AddCommand(list, counts, show, approve, reject, choose, newGroupsCommand(ctx, decisionCtx))
	return cmd
}

func newGroupsCommand(ctx *commandContext, decisionCtx func(*cobra.Command) context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List pending items grouped by venue and artist name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				g, err := a.queue.Groups(cmd.Context())
				if err != nil {
					return err
				}
				summaries := g.Summaries()
				rows := make([][]string, 0, len(summaries))
				for _, s := range summaries {
					rows = append(rows, []string{s.Key, string(s.Type), s.Name, strconv.Itoa(len(s.ItemIDs))})
				}
				return ctx.emit(cmd, view{
					value:   summaries,
					headers: []string{"Key", "Type", "Name", "Items"},
					rows:    rows,
					aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
					empty:   "No pending groups.",
				})
			})
		},
	}

	decideGroup := func(use, short string, fn func(*app) func(context.Context, string) (*queue.GroupOutcome, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " KEY",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withApp(cmd.Context(), func(a *app) error {
					out, err := fn(a)(decisionCtx(cmd), args[0])
					if err != nil {
						return err
					}
					if ctx.forceJSON() || !isTerminal(cmd.OutOrStdout()) {
						return writeJSON(cmd, out)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d succeeded, %d failed\n", out.Key, out.Succeeded, out.Failed)
					if err := ctx.emit(cmd, decisionsView(out.Results)); err != nil {
						return err
					}
					if out.Failed > 0 {
						return fmt.Errorf("%d item(s) in %s failed", out.Failed, out.Key)
					}
					return nil
				})
			},
		}
	}
	cmd.AddCommand(
		decideGroup("approve", "Approve every pending item in a group", func(a *app) func(context.Context, string) (*queue.GroupOutcome, error) {
			return a.queue.ApproveGroup
		}),
		decideGroup("reject", "Reject every pending item in a group", func(a *app) func(context.Context, string) (*queue.GroupOutcome, error) {
			return a.queue.RejectGroup
		}),
	)
	return cmd
}

func decisionResult(id string, it *queue.Item, err error) queue.DecisionResult {
	r := queue.DecisionResult{ItemID: id, Err: err}
	if it != nil {
		r.State = it.State
		r.Result = it.Result
	}
	if err != nil {
		r.Error = err.Error()
		r.Kind = apperr.KindOf(err)
		r.Retryable = apperr.Retryable(err)
	}
	return r
}

func itemsView(value any, items []queue.Item) view {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			string(it.State),
			it.Date,
			it.ArtistName,
			it.VenueName,
			outcomeLabel(it.ArtistResolution.Outcome) + " / " + outcomeLabel(it.VenueResolution.Outcome),
		})
	}
	return view{
		value:   value,
		headers: []string{"ID", "State", "Date", "Artist", "Venue", "Artist / venue"},
		rows:    rows,
		empty:   "Queue is empty.",
	}
}

func decisionsView(results []queue.DecisionResult) view {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		outcome := string(r.State)
		switch {
		case r.Err != nil && apperr.IsNoop(r.Err):
			outcome = "skipped"
		case r.Err != nil:
			outcome = "failed"
		}
		rows = append(rows, []string{r.ItemID, outcome, r.Result.EventID, r.Error})
	}
	return view{
		value:   results,
		headers: []string{"ID", "Outcome", "Event", "Error"},
		rows:    rows,
	}
}

func outcomeLabel(o resolve.Outcome) string {
	if o == nil {
		return "-"
	}
	switch o.Action() {
	case resolve.ActionMatchExisting:
		return "match"
	case resolve.ActionCreateNew:
		return "new"
	default:
		return "review"
	}
}
