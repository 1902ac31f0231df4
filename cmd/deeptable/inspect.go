package main

import (
	"os"

	"github.com/segmentio/encoding/json"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/spf13/cobra"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest [key]",
	Short: "Resolve a tile manifest and print it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.dataset()
		if err != nil {
			return err
		}
		view, err := svc.Manifest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var macrotileCmd = &cobra.Command{
	Use:   "macrotile [key]",
	Short: "Print the macrotile of a key and the tiles grouped under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		macrokey, err := macrotile.Macrotile(args[0], macroSize, macroParent)
		if err != nil {
			return err
		}
		siblings, err := macrotile.Descendants(macrokey, macroSize, macroParent)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"key":       args[0],
			"macrotile": macrokey,
			"size":      macroSize,
			"parents":   macroParent,
			"siblings":  siblings,
		})
	},
}

func init() {
	manifestCmd.Flags().StringVarP(&datasetID, "dataset", "d", "", "Dataset ID, defaults to the first configured dataset")
	macrotileCmd.Flags().IntVar(&macroSize, "size", 2, "Depth multiple a macrotile sits on")
	macrotileCmd.Flags().IntVar(&macroParent, "parents", 2, "Minimum levels climbed from a tile to its macrotile")
	rootCmd.AddCommand(manifestCmd, macrotileCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
