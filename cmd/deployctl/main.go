package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/helion-deployer/pkg/api/client"
	"github.com/splax/helion-deployer/pkg/config"
	jwtpkg "github.com/splax/helion-deployer/pkg/jwt"
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
	case "configure":
		err = commandConfigure(args)
	case "trigger":
		err = commandTrigger(args)
	case "status":
		err = commandStatus(args)
	case "wait":
		err = commandWait(args)
	case "list":
		err = commandList(args)
	case "packages":
		err = commandPackages(args)
	case "health":
		err = commandHealth(args)
	case "token":
		err = commandToken(args)
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

func commandConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	url := fs.String("url", "", "Deployer base URL")
	token := fs.String("token", "", "Operator token")
	fs.Parse(args)

	path, err := config.CtlConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadCtlConfig(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*url) != "" {
		cfg.BaseURL = strings.TrimSpace(*url)
	}
	if strings.TrimSpace(*token) != "" {
		cfg.Token = strings.TrimSpace(*token)
	}
	if err := config.SaveCtlConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("configuration saved to %s\n", path)
	return nil
}

func commandTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	pkg := fs.String("package", "", "Package name (archive <name>.tar.gz in the store)")
	endpoint := fs.String("endpoint", "", "Target API endpoint, e.g. https://api.example.io")
	username := fs.String("username", "", "Endpoint username")
	password := fs.String("password", "", "Endpoint password (supply to avoid prompt)")
	wait := fs.Bool("wait", false, "Wait for the deployment to finish")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval with --wait")
	fs.Parse(args)

	if strings.TrimSpace(*pkg) == "" || strings.TrimSpace(*endpoint) == "" || strings.TrimSpace(*username) == "" {
		return errors.New("--package, --endpoint and --username are required")
	}
	secret := *password
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := client.Trigger(ctx, apiclient.TriggerRequest{
		PackageName: *pkg,
		EndpointURL: *endpoint,
		Username:    *username,
		Password:    secret,
	})
	if err != nil {
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("package %s not found in the store", *pkg)
		}
		return err
	}
	fmt.Printf("deployment %s queued (%s)\n", resp.DeploymentID, resp.Status)
	if !*wait {
		return nil
	}
	return waitFor(client, resp.DeploymentID, *interval, 0)
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("id", "", "Deployment id")
	asJSON := fs.Bool("json", false, "Print the raw record")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dep, err := client.Status(ctx, deploymentID(*id, fs))
	if err != nil {
		if apiclient.IsNotFound(err) {
			return errors.New("deployment not found")
		}
		return err
	}
	if *asJSON {
		return printJSON(dep)
	}
	fmt.Printf("id:          %s\n", dep.DeployID)
	fmt.Printf("package:     %s\n", dep.Package)
	fmt.Printf("destination: %s\n", dep.Destination)
	fmt.Printf("status:      %s\n", dep.DeployStatus)
	fmt.Printf("updated:     %s\n", dep.Datetime)
	fmt.Println("history:")
	for _, line := range dep.History {
		fmt.Printf("  %s\n", line)
	}
	return nil
}

func commandWait(args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	id := fs.String("id", "", "Deployment id")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up after this long")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	return waitFor(client, deploymentID(*id, fs), *interval, *timeout)
}

func waitFor(client *apiclient.Client, id string, interval, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dep, err := client.Wait(ctx, id, interval, func(d apiclient.Deployment) {
		fmt.Printf("%s  %s\n", d.Datetime, d.DeployStatus)
	})
	if err != nil {
		return err
	}
	if dep.DeployStatus != "SUCCESS" {
		return fmt.Errorf("deployment %s finished with %s", id, dep.DeployStatus)
	}
	if dep.Destination != "" {
		fmt.Printf("deployed to %s\n", dep.Destination)
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of deployments to show (0 for all)")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	deployments, err := client.Deployments(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(deployments) > *limit {
		deployments = deployments[:*limit]
	}
	if len(deployments) == 0 {
		fmt.Println("no deployments")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPACKAGE\tSTATUS\tUPDATED")
	for _, d := range deployments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.DeployID, d.Package, d.DeployStatus, d.Datetime)
	}
	return w.Flush()
}

func commandPackages(args []string) error {
	fs := flag.NewFlagSet("packages", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	packages, err := client.Packages(ctx)
	if err != nil {
		return err
	}
	if len(packages) == 0 {
		fmt.Println("no packages")
		return nil
	}
	for _, p := range packages {
		fmt.Println(strings.TrimSuffix(p.Name, ".tar.gz"))
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if health.Status != "" {
		if perr := printJSON(health); perr != nil {
			return perr
		}
	}
	return err
}

// commandToken mints an operator token locally with the server secret.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	operator := fs.String("operator", "", "Operator name recorded in the token")
	secret := fs.String("secret", "", "Signing secret (defaults to DEPLOYER_JWT_SECRET)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	save := fs.Bool("save", false, "Store the token in the deployctl config")
	fs.Parse(args)

	key := *secret
	if key == "" {
		key = config.GetString("DEPLOYER_JWT_SECRET", "")
	}
	token, err := jwtpkg.GenerateToken(*operator, key, *ttl)
	if err != nil {
		return err
	}
	if !*save {
		fmt.Println(token)
		return nil
	}
	path, err := config.CtlConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadCtlConfig(path)
	if err != nil {
		return err
	}
	cfg.Token = token
	if err := config.SaveCtlConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("token saved to %s\n", path)
	return nil
}

func newClient() (*apiclient.Client, error) {
	path, err := config.CtlConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadCtlConfig(path)
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.BaseURL, apiclient.WithToken(cfg.Token))
}

// deploymentID accepts the id either as --id or as the first positional arg.
func deploymentID(flagValue string, fs *flag.FlagSet) string {
	if strings.TrimSpace(flagValue) != "" {
		return strings.TrimSpace(flagValue)
	}
	return strings.TrimSpace(fs.Arg(0))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl configure [--url http://localhost:5050] [--token <jwt>]
	deployctl trigger --package <name> --endpoint <url> --username <user> [--password secret] [--wait]
	deployctl status [--json] <deployment-id>
	deployctl wait [--interval 2s] [--timeout 30m] <deployment-id>
	deployctl list [--limit N]
	deployctl packages
	deployctl health
	deployctl token --operator <name> [--secret s] [--ttl 24h] [--save]
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
