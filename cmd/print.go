package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// printHeader, printSuccess, printWarning and printError give every
// subcommand the same colorized status-line vocabulary. Grounded on the
// color.Cyan/color.Yellow/color.New(color.FgGreen) call sites used directly
// throughout status.go and health.go.
func printHeader(title string) {
	color.Cyan("\n=== %s ===", title)
}

func printSuccess(msg string) {
	color.New(color.FgGreen).Printf("✔ %s\n", msg)
}

func printWarning(msg string) {
	color.Yellow("⚠ %s", msg)
}

func printError(msg string) {
	color.New(color.FgRed).Fprintf(os.Stderr, "✘ %s\n", msg)
}

func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	printRow(headers, widths)
	sep := make([]string, len(headers))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	printRow(sep, widths)
	for _, row := range rows {
		printRow(row, widths)
	}
}

func printRow(cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		w := 0
		if i < len(widths) {
			w = widths[i]
		}
		parts[i] = fmt.Sprintf("%-*s", w, c)
	}
	fmt.Println(strings.Join(parts, "  "))
}
