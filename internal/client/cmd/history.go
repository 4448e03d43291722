package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/spf13/cobra"
)

var historyDB string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list received files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(historyDB)
		if err != nil {
			return err
		}
		defer store.Close(db)

		files, err := store.NewFileStore(db).List(cmd.Context())
		if err != nil {
			return err
		}
		return printHistory(os.Stdout, files)
	},
}

func printHistory(out io.Writer, files []store.ReceivedFile) error {
	if len(files) == 0 {
		_, err := fmt.Fprintln(out, "No files received yet")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tNAME\tSIZE\tFROM\tPATH")
	for _, f := range files {
		from := f.PeerID
		if len(from) > 8 {
			from = from[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(f.ReceivedAt), f.Name, humanize.IBytes(uint64(f.Size)), from, f.StoredPath)
	}
	return w.Flush()
}

func init() {
	historyCmd.Flags().StringVar(&historyDB, "db", defaultDBPath(), "history database path")
}
