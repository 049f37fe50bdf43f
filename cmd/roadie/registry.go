package main

import (
	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/registry"
)

func newRegistryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Browse canonical venues, artists and events",
	}

	entities := func(t registry.EntityType, use string) *cobra.Command {
		var name string
		c := &cobra.Command{
			Use:   use,
			Short: "List " + use,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withApp(cmd.Context(), func(a *app) error {
					var list []registry.Entity
					var err error
					if name != "" {
						list, err = a.registry.FindByName(cmd.Context(), t, normalize.Key(name))
					} else {
						list, err = a.registry.List(cmd.Context(), t)
					}
					if err != nil {
						return err
					}
					rows := make([][]string, 0, len(list))
					for _, e := range list {
						rows = append(rows, []string{e.ID, e.Name, describe(e.Fields)})
					}
					return ctx.emit(cmd, view{
						value:   list,
						headers: []string{"ID", "Name", "Details"},
						rows:    rows,
						empty:   "No " + use + ".",
					})
				})
			},
		}
		c.Flags().StringVar(&name, "name", "", "Only entities whose normalized name matches")
		return c
	}

	var filter registry.EventFilter
	events := &cobra.Command{
		Use:   "events",
		Short: "List events by date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				list, err := a.registry.ListEvents(cmd.Context(), filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(list))
				for _, ev := range list {
					rows = append(rows, []string{ev.ID, ev.Date, ev.Time, ev.ArtistID, ev.VenueID})
				}
				return ctx.emit(cmd, view{
					value:   list,
					headers: []string{"ID", "Date", "Time", "Artist", "Venue"},
					rows:    rows,
					empty:   "No events.",
				})
			})
		},
	}
	events.Flags().StringVar(&filter.VenueID, "venue", "", "Venue id")
	events.Flags().StringVar(&filter.ArtistID, "artist", "", "Artist id")
	events.Flags().StringVar(&filter.From, "from", "", "Earliest date (YYYY-MM-DD)")
	events.Flags().StringVar(&filter.To, "to", "", "Latest date (YYYY-MM-DD)")
	events.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of events")

	cmd.AddCommand(entities(registry.Venue, "venues"), entities(registry.Artist, "artists"), events)
	return cmd
}

// describe joins the non-empty metadata fields for display.
func describe(f registry.Fields) string {
	var out string
	for _, name := range registry.FieldNames() {
		v := f.Get(name)
		if v == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += name + "=" + v
	}
	return out
}
