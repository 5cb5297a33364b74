package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/analytics"
)

var (
	exportOrg string
	exportOut string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an org's autonomy matrix to XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOrg == "" {
			return eris.New("--org is required")
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sweepInterval := time.Duration(cfg.Sweep.IntervalMinutes) * time.Minute
		svc := analytics.NewService(st, cfg.Engine, sweepInterval, cfg.Monitoring.StaleSweepMultiple)
		m, err := svc.OrgMatrix(cmd.Context(), exportOrg)
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = fmt.Sprintf("autonomy-%s.xlsx", exportOrg)
		}
		if err := writeMatrixXLSX(m, out); err != nil {
			return err
		}

		zap.L().Info("matrix exported",
			zap.String("org", exportOrg),
			zap.String("file", out),
			zap.Int("users", len(m.Rows)),
			zap.Int("action_types", len(m.ActionTypes)),
		)
		return nil
	},
}

// writeMatrixXLSX lays the matrix out as one sheet: users down, action types
// across, each cell the effective tier with the score alongside.
func writeMatrixXLSX(m *analytics.Matrix, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("autonomy")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	header.AddCell().SetString("user_id")
	for _, action := range m.ActionTypes {
		header.AddCell().SetString(action)
	}

	for _, row := range m.Rows {
		r := sheet.AddRow()
		r.AddCell().SetString(row.UserID)

		byAction := make(map[string]analytics.MatrixCell, len(row.Cells))
		for _, cell := range row.Cells {
			byAction[cell.ActionType] = cell
		}
		for _, action := range m.ActionTypes {
			out := r.AddCell()
			cell, ok := byAction[action]
			if !ok {
				out.SetString("-")
				continue
			}
			if cell.Score != nil {
				out.SetString(fmt.Sprintf("%s (%.2f)", cell.EffectiveTier, *cell.Score))
			} else {
				out.SetString(string(cell.EffectiveTier))
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save xlsx")
	}
	return nil
}

func init() {
	exportCmd.Flags().StringVar(&exportOrg, "org", "", "org to export")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default autonomy-<org>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
