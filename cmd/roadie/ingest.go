package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/ingest"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var name string
	var async bool

	cmd := &cobra.Command{
		Use:   "ingest FILE|-",
		Short: "Extract gig listings from a file and queue them for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd, args[0], name)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if async {
					job, err := a.ingest.Submit(cmd.Context(), src)
					if err != nil {
						return err
					}
					return ctx.emit(cmd, jobsView(job, []ingest.Job{*job}))
				}
				rep, err := a.ingest.Ingest(cmd.Context(), src)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(rep.Skipped))
				for _, sk := range rep.Skipped {
					rows = append(rows, []string{strconv.Itoa(sk.Index), sk.ArtistName, sk.VenueName, sk.Error})
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d candidates, %d queued, %d skipped\n",
					rep.Candidates, rep.Queued, len(rep.Skipped))
				return ctx.emit(cmd, view{
					value:   rep,
					headers: []string{"#", "Artist", "Venue", "Skipped because"},
					rows:    rows,
					aligns:  []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
					empty:   "Nothing skipped.",
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Source name recorded with the job (defaults to the file name)")
	cmd.Flags().BoolVar(&async, "async", false, "Queue an extraction job instead of waiting for the result")
	return cmd
}

func readSource(cmd *cobra.Command, path, name string) (extract.Source, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
		if name == "" {
			name = "stdin"
		}
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // G304: path given by the operator
		if name == "" {
			name = filepath.Base(path)
		}
	}
	if err != nil {
		return extract.Source{}, fmt.Errorf("reading source: %w", err)
	}

	ct := "text/plain"
	if ext := strings.ToLower(filepath.Ext(name)); ext == ".html" || ext == ".htm" {
		ct = "text/html"
	}
	return extract.Source{Name: name, ContentType: ct, Content: string(data)}, nil
}
