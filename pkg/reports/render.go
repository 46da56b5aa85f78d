package reports

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var absoluteHTML = template.Must(template.New("absolute").Funcs(template.FuncMap{
	"cell":    formatCell,
	"percent": func(f float64) string { return strconv.FormatFloat(100*f, 'f', 1, 64) + "%" },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
table { border-collapse: collapse; margin-bottom: 2em; }
td, th { border: 1px solid #ccc; padding: 2px 8px; text-align: right; }
td.label { text-align: left; }
tr.domain td, tr.total td { background: #eee; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Experiment {{.Experiment}}</p>
{{if .Info}}<ul>{{range .Info}}<li>{{.Name}}: {{.Value}}</li>{{end}}</ul>{{end}}
<h2>coverage</h2>
<table>
<tr><th></th>{{range .Algorithms}}<th>{{.}}</th>{{end}}</tr>
<tr class="total"><td class="label">done / expected</td>{{range .Coverage}}<td>{{.Done}}/{{.Expected}} ({{percent .Fraction}})</td>{{end}}</tr>
</table>
{{range .Sections}}
<h2>{{.Attribute.Name}}</h2>
<table>
<tr><th></th>{{range $.Algorithms}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr class="{{.Kind}}"><td class="label">{{.Label}}</td>{{range .Cells}}<td>{{if .Best}}<b>{{cell .}}</b>{{else}}{{cell .}}{{end}}</td>{{end}}</tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

func formatCell(c Cell) string {
	if !c.Present {
		return "-"
	}
	return strconv.FormatFloat(c.Value, 'f', 2, 64)
}

// RenderAbsolute writes t to path in the given format.
func RenderAbsolute(t *AbsoluteTable, format Format, path string) error {
	return writeFile(path, func(w *bufio.Writer) error {
		switch format {
		case FormatHTML:
			return absoluteHTML.Execute(w, t)
		case FormatCSV:
			return writeAbsoluteCSV(w, t)
		case FormatJSON:
			return writeJSON(w, t)
		}
		return fmt.Errorf("unsupported format %s for absolute report", format)
	})
}

func writeAbsoluteCSV(w *bufio.Writer, t *AbsoluteTable) error {
	cw := csv.NewWriter(w)
	header := append([]string{"attribute", "kind", "row"}, t.Algorithms...)
	if err := cw.Write(header); err != nil {
		return err
	}

	cov := []string{"coverage", string(RowTotal), "total"}
	for _, c := range t.Coverage {
		cov = append(cov, strconv.FormatFloat(c.Fraction, 'g', -1, 64))
	}
	if err := cw.Write(cov); err != nil {
		return err
	}

	for _, sec := range t.Sections {
		for _, row := range sec.Rows {
			rec := []string{sec.Attribute.Name, string(row.Kind), row.Label}
			for _, c := range row.Cells {
				if c.Present {
					rec = append(rec, strconv.FormatFloat(c.Value, 'g', -1, 64))
				} else {
					rec = append(rec, "")
				}
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderScatter writes p in the given format and returns the files written.
// The dat format writes one gnuplot index block per category next to a .gp
// script that plots them.
func RenderScatter(p *ScatterPlot, format Format, path string) ([]string, error) {
	switch format {
	case FormatJSON:
		return []string{path}, writeFile(path, func(w *bufio.Writer) error { return writeJSON(w, p) })
	case FormatDAT:
		base := strings.TrimSuffix(path, filepath.Ext(path))
		dat, gp := base+".dat", base+".gp"
		if err := writeFile(dat, func(w *bufio.Writer) error { return writeDAT(w, p) }); err != nil {
			return nil, err
		}
		if err := writeFile(gp, func(w *bufio.Writer) error { return writeGnuplot(w, p, base) }); err != nil {
			return nil, err
		}
		return []string{dat, gp}, nil
	}
	return nil, fmt.Errorf("unsupported format %s for scatter report", format)
}

func writeDAT(w *bufio.Writer, p *ScatterPlot) error {
	fmt.Fprintf(w, "# %s: %s (x) vs %s (y)\n", p.Attribute, p.XAlgorithm, p.YAlgorithm)
	fmt.Fprintf(w, "# dropped %d, missing %d\n", p.Dropped, p.Missing)
	for _, c := range p.Coverage {
		fmt.Fprintf(w, "# coverage %s: %d/%d\n", c.Algorithm, c.Done, c.Expected)
	}
	for i, s := range p.Series {
		if i > 0 {
			w.WriteString("\n\n")
		}
		fmt.Fprintf(w, "# %s\n", s.Category)
		for _, pt := range s.Points {
			fmt.Fprintf(w, "%s %s %s\n",
				strconv.FormatFloat(pt.X, 'g', -1, 64), strconv.FormatFloat(pt.Y, 'g', -1, 64), pt.Problem)
		}
	}
	return nil
}

func writeGnuplot(w *bufio.Writer, p *ScatterPlot, base string) error {
	fmt.Fprintf(w, "set terminal pngcairo size 800,800\n")
	fmt.Fprintf(w, "set output %q\n", filepath.Base(base)+".png")
	fmt.Fprintf(w, "set title %q\n", p.Title)
	fmt.Fprintf(w, "set xlabel %q\n", p.XAlgorithm+" "+p.Attribute)
	fmt.Fprintf(w, "set ylabel %q\n", p.YAlgorithm+" "+p.Attribute)
	fmt.Fprintf(w, "set key outside right\n")
	if p.XScale == ScaleLog {
		fmt.Fprintf(w, "set logscale x\n")
	}
	if p.YScale == ScaleLog {
		fmt.Fprintf(w, "set logscale y\n")
	}

	dat := filepath.Base(base) + ".dat"
	plots := make([]string, 0, len(p.Series)+1)
	for i, s := range p.Series {
		plots = append(plots, fmt.Sprintf("%q index %d using 1:2 title %q with points", dat, i, s.Category))
	}
	plots = append(plots, "x notitle with lines lt 0")
	fmt.Fprintf(w, "plot %s\n", strings.Join(plots, ", \\\n     "))
	return nil
}

func writeJSON(w *bufio.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
