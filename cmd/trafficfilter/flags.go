package main

import (
	"flag"
	"fmt"
	"io"
)

// cliActions holds the flags handled by the command itself rather than
// the config loader.
type cliActions struct {
	Validate    *bool
	PrintConfig *bool
}

func newFlagSet(name string, output io.Writer) (*flag.FlagSet, *cliActions) {
	if output == nil {
		output = io.Discard
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.String("config", "", "config file path")
	fs.String("mode", "", "engine mode")
	fs.String("rules", "", "rules file path")
	fs.Bool("enable_http", false, "enable http")
	fs.String("http_addr", "", "http address")
	fs.Bool("enable_grpc", false, "enable grpc")
	fs.String("grpc_addr", "", "grpc address")
	fs.Bool("enable_auth", false, "enable auth")
	fs.String("admin_token", "", "admin token")
	fs.Int("trace_sample_rate", 0, "trace sample rate")
	fs.String("nats_url", "", "nats url")
	fs.String("log_level", "", "log level")
	actions := &cliActions{
		Validate:    fs.Bool("validate", false, "validate the rules file and exit"),
		PrintConfig: fs.Bool("print_config", false, "print resolved config and exit"),
	}
	fs.Usage = func() {
		printUsage(output)
	}
	return fs, actions
}

// overrideArgs rebuilds the flags the config loader understands from
// whatever the user actually set.
func overrideArgs(fs *flag.FlagSet) []string {
	var args []string
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "validate", "print_config":
			return
		}
		args = append(args, fmt.Sprintf("-%s=%s", f.Name, f.Value.String()))
	})
	return args
}

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  trafficfilter [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  mode string engine mode")
	fmt.Fprintln(w, "  rules string rules file path")
	fmt.Fprintln(w, "  enable_http bool enable http")
	fmt.Fprintln(w, "  http_addr string http address")
	fmt.Fprintln(w, "  enable_grpc bool enable grpc")
	fmt.Fprintln(w, "  grpc_addr string grpc address")
	fmt.Fprintln(w, "  enable_auth bool enable auth")
	fmt.Fprintln(w, "  admin_token string admin token")
	fmt.Fprintln(w, "  trace_sample_rate int trace sample rate")
	fmt.Fprintln(w, "  nats_url string nats url")
	fmt.Fprintln(w, "  log_level string log level")
	fmt.Fprintln(w, "  validate bool validate the rules file and exit")
	fmt.Fprintln(w, "  print_config bool print resolved config and exit")
}
