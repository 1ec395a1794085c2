package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/devportal/pkg/portal"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", format)
	}
}

// render writes v as json or yaml, or calls text for the text format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

type launchResult struct {
	Package   string `json:"package" yaml:"package"`
	ProcessID uint32 `json:"processId" yaml:"processId"`
}

func renderLaunch(w io.Writer, format string, res launchResult) error {
	return render(w, format, res, func(w io.Writer) error {
		if res.ProcessID == portal.UnknownProcessID {
			_, err := fmt.Fprintf(w, "Launched %s (process id not yet known)\n", res.Package)
			return err
		}
		_, err := fmt.Fprintf(w, "Launched %s as process %d\n", res.Package, res.ProcessID)
		return err
	})
}

func renderPackages(w io.Writer, format string, packages []string) error {
	return render(w, format, packages, func(w io.Writer) error {
		if len(packages) == 0 {
			return nil
		}
		_, err := io.WriteString(w, strings.Join(packages, "\n")+"\n")
		return err
	})
}

func renderProcesses(w io.Writer, format string, procs *portal.RunningProcesses) error {
	return render(w, format, procs, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tSTATE\tIMAGE\tPACKAGE")
		for _, p := range procs.Processes {
			state := "running"
			if !p.IsRunning {
				state = "suspended"
			}
			pkg := p.PackageFullName
			if pkg == "" {
				pkg = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ProcessID, state, p.ImageName, pkg)
		}
		return tw.Flush()
	})
}

func renderOSInfo(w io.Writer, format string, info *portal.OSInfo) error {
	return render(w, format, info, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Computer: %s\nEdition:  %s\nVersion:  %s\nPlatform: %s\n",
			info.ComputerName, info.OsEdition, info.OsVersion, info.Platform)
		return err
	})
}
