package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trading-cli/observability/internal/config"
)

var searchFacadeURL string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Fuzzy-search known traces by trace ID or source bot against a running façade",
	Long: `search is a read-only operator convenience: it calls a running
facade-serve's workflows:search endpoint and prints the ranked matches. It
never participates in the exact-match filter grammar of the broker's list
API and cannot run execute/cancel/hardCancel; those remain HTTP-only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(args[0])
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVar(&searchFacadeURL, "facade-url", "", "base URL of a running facade-serve (defaults to TRACE_API_HOST/TRACE_API_PORT from config)")
}

func runSearch(query string) error {
	v := viper.New()
	if cfgFile != "" {
		v.Set("OBS_CONFIG_FILE", cfgFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	base := searchFacadeURL
	if base == "" {
		host := cfg.Facade.Host
		if host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Facade.Port)
	}

	reqURL := fmt.Sprintf("%s/v1/projects/%s/locations/%s/workflows:search?q=%s",
		base, cfg.Facade.Project, cfg.Facade.Location, url.QueryEscape(query))
	return fetchAndPrint(reqURL)
}

func fetchAndPrint(reqURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(reqURL)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search: facade returned %s: %s", resp.Status, string(body))
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
