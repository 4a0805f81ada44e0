package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/nativesys/internal/coordinator"
	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/health"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/process"
	"github.com/breeze-rmm/nativesys/internal/svcquery"
)

type hostReport struct {
	Native   bool                    `json:"native" yaml:"native"`
	Host     native.HostInfo         `json:"host" yaml:"host"`
	Memory   *native.HostMemory      `json:"memory,omitempty" yaml:"memory,omitempty"`
	Swap     *native.SwapMemory      `json:"swap,omitempty" yaml:"swap,omitempty"`
	Adapters []native.NetworkAdapter `json:"adapters,omitempty" yaml:"adapters,omitempty"`
}

type healthReport struct {
	Summary map[string]any    `json:"summary" yaml:"summary"`
	Checks  []health.Check    `json:"checks" yaml:"checks"`
	Handles coordinator.Stats `json:"handles" yaml:"handles"`
}

// render writes v in the format chosen with --output.
func render(w io.Writer, v any) error {
	switch outFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return renderText(w, v)
	}
	return fmt.Errorf("unknown output format %q (use text, json or yaml)", outFormat)
}

func renderText(w io.Writer, v any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch v := v.(type) {
	case hostReport:
		h := v.Host
		fmt.Fprintf(tw, "Hostname:\t%s\n", h.Hostname)
		fmt.Fprintf(tw, "OS:\t%s %s (%s)\n", h.Platform, h.PlatformVersion, h.Arch)
		if h.KernelVersion != "" {
			fmt.Fprintf(tw, "Kernel:\t%s\n", h.KernelVersion)
		}
		if h.Uptime > 0 {
			fmt.Fprintf(tw, "Uptime:\t%s\n", time.Duration(h.Uptime)*time.Second)
		}
		fmt.Fprintf(tw, "Native:\t%t\n", v.Native)
		if m := v.Memory; m != nil {
			fmt.Fprintf(tw, "Memory:\t%s used of %s (%.1f%%)\n", humanBytes(m.Used), humanBytes(m.Total), m.UsedPercent)
		}
		if s := v.Swap; s != nil && s.Total > 0 {
			fmt.Fprintf(tw, "Swap:\t%s used of %s\n", humanBytes(s.Used), humanBytes(s.Total))
		}
		for _, a := range v.Adapters {
			state := "down"
			if a.Up() {
				state = "up"
			}
			fmt.Fprintf(tw, "Adapter %s:\t%s %s\n", a.Name, state, strings.Join(a.Addrs, " "))
		}

	case []native.ProcEntry:
		fmt.Fprintln(tw, "PID\tPPID\tNAME\tCOMMAND")
		for _, e := range v {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", e.PID, e.PPID, e.Name, strings.Join(e.CommandLine, " "))
		}

	case process.Report:
		writeProcess(tw, v)

	case []process.Report:
		fmt.Fprintln(tw, "PID\tPPID\tSTATE\tRSS\tNAME")
		for _, r := range v {
			rss := "-"
			if r.Memory != nil {
				rss = humanBytes(r.Memory.RSS)
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", r.PID, r.PPID, r.State, rss, r.Name)
		}

	case []svcquery.ServiceInfo:
		fmt.Fprintln(tw, "NAME\tSTATUS\tDESCRIPTION")
		for _, svc := range v {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", svc.Name, stateStyle(svc.IsActive()).Render(string(svc.Status)), svc.DisplayName)
		}

	case executor.Result:
		tw.Flush()
		io.WriteString(w, v.Stdout)
		io.WriteString(w, v.Stderr)
		if !v.Succeeded() {
			msg := fmt.Sprintf("exit code %d", v.ExitCode)
			if v.Error != "" {
				msg += ": " + v.Error
			}
			fmt.Fprintln(w, badStyle.Render(msg))
		}

	case healthReport:
		s, _ := v.Summary["status"].(string)
		overall := health.Status(s)
		fmt.Fprintf(tw, "Overall:\t%s\n", statusStyle(overall).Render(string(overall)))
		for _, c := range v.Checks {
			fmt.Fprintf(tw, "%s:\t%s\t%s\n", c.Name, c.Message, statusStyle(c.Status).Render(string(c.Status)))
		}
		fmt.Fprintf(tw, "Handles:\t%d live / %d max (created %d, rejected %d)\n",
			v.Handles.Live, v.Handles.Max, v.Handles.Created, v.Handles.Rejected)

	default:
		tw.Flush()
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}
	return nil
}

func writeProcess(w io.Writer, r process.Report) {
	fmt.Fprintf(w, "PID:\t%d\n", r.PID)
	fmt.Fprintf(w, "PPID:\t%d\n", r.PPID)
	fmt.Fprintf(w, "Name:\t%s\n", r.Name)
	state := stateStyle(r.Running).Render(r.State)
	fmt.Fprintf(w, "State:\t%s (running: %t)\n", state, r.Running)
	if len(r.CommandLine) > 0 {
		fmt.Fprintf(w, "Command:\t%s\n", strings.Join(r.CommandLine, " "))
	}
	if r.Status != nil {
		fmt.Fprintf(w, "Status:\t%s, %d threads\n", r.Status.Status, r.Status.Threads)
	}
	if r.Exec != nil && r.Exec.Cwd != "" {
		fmt.Fprintf(w, "Cwd:\t%s\n", r.Exec.Cwd)
	}
	if r.Memory != nil {
		fmt.Fprintf(w, "Memory:\trss %s, vms %s\n", humanBytes(r.Memory.RSS), humanBytes(r.Memory.VMS))
	}
	if r.CPU != nil {
		fmt.Fprintf(w, "CPU:\tuser %.2fs, system %.2fs\n", r.CPU.User, r.CPU.System)
	}
	if r.FD != nil {
		fmt.Fprintf(w, "Open files:\t%d\n", r.FD.Open)
	}
	if r.CredName != nil {
		fmt.Fprintf(w, "User:\t%s:%s\n", r.CredName.User, r.CredName.Group)
	}
	if r.Time != nil && !r.Time.StartTime.IsZero() {
		fmt.Fprintf(w, "Started:\t%s\n", r.Time.StartTime.Format(time.RFC3339))
	}
	for _, k := range slices.Sorted(maps.Keys(r.Environment)) {
		fmt.Fprintf(w, "Env %s:\t%s\n", k, r.Environment[k])
	}
}

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.Healthy:
		return okStyle
	case health.Degraded:
		return warnStyle
	case health.Unhealthy:
		return badStyle
	}
	return dimStyle
}

func stateStyle(running bool) lipgloss.Style {
	if running {
		return okStyle
	}
	return badStyle
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
