package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	apiclient "github.com/branchbox/branchbox/pkg/client"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "provision":
		err = commandProvision(args)
	case "destroy":
		err = commandDestroy(args)
	case "list":
		err = commandList(args)
	case "gc":
		err = commandGC(args)
	case "health":
		err = commandHealth(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch to provision")
	service := fs.String("service", "", "Service to expose (for example web or api)")
	ttl := fs.Int("ttl", 0, "Time to live in minutes (0 uses the server default)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7070)")
	fs.Parse(args)

	if strings.TrimSpace(*branch) == "" {
		return errors.New("--branch is required")
	}
	if strings.TrimSpace(*service) == "" {
		return errors.New("--service is required")
	}

	client, err := newAPIClient(*apiBase)
	if err != nil {
		return err
	}
	// Provisioning clones, builds and boots the stack, so the deadline
	// covers a conflict retry worth of builds.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	result, err := client.Provision(ctx, *branch, *service, *ttl)
	if err != nil {
		return err
	}
	fmt.Printf("environment provisioned: %s url=%s expires=%s\n",
		result.ID, result.URL, result.ExpiresAt.Format(time.RFC3339))
	return nil
}

func commandDestroy(args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	id := fs.String("id", "", "Environment identifier")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7070)")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, err := newAPIClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	result, err := client.Destroy(ctx, *id)
	if err != nil {
		return err
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	fmt.Println("environment destroyed")
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7070)")
	fs.Parse(args)

	client, err := newAPIClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	environments, err := client.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	for _, env := range environments {
		fmt.Printf("%s\t%s\t%s\t%s\t%dm\n",
			env.ID, env.State, env.Branch, env.URL, env.MinutesRemaining)
	}
	return nil
}

func commandGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7070)")
	fs.Parse(args)

	client, err := newAPIClient(*apiBase)
	if err != nil {
		return err
	}
	// Each expired environment is torn down in turn.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	destroyed, err := client.GarbageCollect(ctx)
	if err != nil {
		return err
	}
	for _, id := range destroyed {
		fmt.Println(id)
	}
	fmt.Printf("destroyed %d expired environments\n", len(destroyed))
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7070)")
	fs.Parse(args)

	client, err := newAPIClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\n", report.Status)
	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		component := report.Components[name]
		if component.Error != "" {
			fmt.Printf("%s\t%s\t%s\n", name, component.Status, component.Error)
			continue
		}
		fmt.Printf("%s\t%s\n", name, component.Status)
	}
	if report.Status != "ok" {
		return fmt.Errorf("server reports %s", report.Status)
	}
	return nil
}

func newAPIClient(base string) (*apiclient.Client, error) {
	resolved := strings.TrimSpace(base)
	if resolved == "" {
		resolved = strings.TrimSpace(os.Getenv("BRANCHBOX_API"))
	}
	return apiclient.New(resolved)
}

func printUsage() {
	fmt.Printf("branchbox CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	branchbox provision --branch <name> --service <name> [--ttl minutes] [--api http://localhost:7070]
	branchbox destroy --id <environment-id>
	branchbox list
	branchbox gc
	branchbox health
	branchbox version

The API base URL may also be set with the BRANCHBOX_API environment variable.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
