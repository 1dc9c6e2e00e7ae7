// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable with rounded borders. Missing cells are left empty.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	header := make(table.Row, columns)
	for ii, h := range headers {
		header[ii] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, columns)
		for ii := range columns {
			if ii < len(row) {
				r[ii] = row[ii]
			} else {
				r[ii] = ""
			}
		}
		tw.AppendRow(r)
	}
	configs := make([]table.ColumnConfig, 0, columns)
	for ii := range columns {
		align := text.AlignLeft
		if ii < len(aligns) && aligns[ii] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: ii + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
