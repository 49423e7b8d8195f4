package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkrv/docflow/internal/config"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document into the pipeline",
	Long: `Upload a document into the pipeline.

By default parsing (and indexing) starts automatically after upload.

Examples:
  docflow upload ./report.pdf
  docflow upload ./notes.md --no-parse`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noParse, _ := cmd.Flags().GetBool("no-parse")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), "/api/v1/upload", args[0], !noParse)
		if err != nil {
			return err
		}

		var result struct {
			FileID      string `json:"file_id"`
			Status      string `json:"status"`
			ParseTaskID string `json:"parse_task_id,omitempty"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded %s", result.FileID)
		if result.ParseTaskID != "" {
			printStatus("Parse task", "%s", result.ParseTaskID)
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("no-parse", false, "upload only, do not start parsing")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage uploaded documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))
		q.Set("offset", fmt.Sprintf("%d", offset))

		resp, err := client.get(cmd.Context(), "/api/v1/documents?"+q.Encode())
		if err != nil {
			return err
		}

		var page struct {
			Documents []struct {
				FileID       string `json:"file_id"`
				OriginalName string `json:"original_name"`
				Status       string `json:"status"`
				SizeBytes    int64  `json:"size_bytes"`
			} `json:"documents"`
			Total int `json:"total"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}

		if len(page.Documents) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range page.Documents {
			fmt.Printf("%s  %-9s  %8d  %s\n",
				colorize(colorCyan, d.FileID[:8]),
				d.Status,
				d.SizeBytes,
				d.OriginalName,
			)
		}
		fmt.Printf("\n%d total\n", page.Total)
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <file-id>",
	Short: "Show a single document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete a document and all derived data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/v1/documents/"+args[0])
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("status", "", "filter by status (uploaded, parsing, parsed, indexing, indexed, failed)")
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsListCmd.Flags().Int("offset", 0, "pagination offset")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- parse / index ---

var parseCmd = &cobra.Command{
	Use:   "parse <file-id>",
	Short: "Start parsing an uploaded document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		language, _ := cmd.Flags().GetString("language")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"file_id": args[0]}
		opts := map[string]any{}
		if method != "" {
			opts["method"] = method
		}
		if language != "" {
			opts["language"] = language
		}
		if len(opts) > 0 {
			req["parse_options"] = opts
		}

		resp, err := client.post(cmd.Context(), "/api/v1/documents/parse", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Parse task %s", result["task_id"])
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <file-id>",
	Short: "Index a parsed document into the vector store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"file_id":   args[0],
			"overwrite": overwrite,
		}
		if collection != "" {
			req["collection_name"] = collection
		}

		resp, err := client.post(cmd.Context(), "/api/v1/documents/index", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Index task %s", result["task_id"])
		return nil
	},
}

func init() {
	parseCmd.Flags().String("method", "", "parsing method hint passed to the parser")
	parseCmd.Flags().String("language", "", "document language hint passed to the parser")
	indexCmd.Flags().String("collection", "", "target vector collection (default: configured collection)")
	indexCmd.Flags().Bool("overwrite", true, "replace previously indexed points for this document")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect pipeline tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if kind != "" {
			q.Set("kind", kind)
		}
		if status != "" {
			q.Set("status", status)
		}

		resp, err := client.get(cmd.Context(), "/api/v1/tasks?"+q.Encode())
		if err != nil {
			return err
		}

		var page struct {
			Tasks []struct {
				TaskID     string `json:"task_id"`
				Kind       string `json:"kind"`
				Status     string `json:"status"`
				Progress   int    `json:"progress"`
				DocumentID string `json:"document_id"`
			} `json:"tasks"`
			Total int `json:"total"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}

		if len(page.Tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		for _, t := range page.Tasks {
			fmt.Printf("%s  %-6s  %-9s  %3d%%  %s\n",
				colorize(colorCyan, t.TaskID[:8]),
				t.Kind,
				t.Status,
				t.Progress,
				t.DocumentID,
			)
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a single task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/tasks/"+args[0])
		if err != nil {
			return err
		}

		var t any
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

func init() {
	tasksListCmd.Flags().String("kind", "", "filter by kind (parse, index)")
	tasksListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed)")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
}

// --- search / ask ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		searchType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		fileIDs, _ := cmd.Flags().GetStringSlice("file-ids")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"query": query,
			"limit": limit,
		}
		if searchType != "" {
			req["search_type"] = searchType
		}
		if len(fileIDs) > 0 {
			req["file_ids"] = fileIDs
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search", req)
		if err != nil {
			return err
		}

		var page struct {
			Results []struct {
				DocumentID string  `json:"document_id"`
				ChunkIndex int     `json:"chunk_index"`
				Text       string  `json:"text"`
				Score      float64 `json:"score"`
			} `json:"results"`
			Total int `json:"total"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}

		if len(page.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range page.Results {
			fmt.Printf("\n%s [score: %.3f]  %s#%d\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)),
				r.Score,
				r.DocumentID[:8],
				r.ChunkIndex,
			)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		searchType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"query": query,
			"limit": limit,
		}
		if searchType != "" {
			req["search_type"] = searchType
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search/answer", req)
		if err != nil {
			return err
		}

		var result struct {
			Answer  string `json:"answer"`
			Sources []struct {
				DocumentID string `json:"document_id"`
				ChunkIndex int    `json:"chunk_index"`
			} `json:"supporting_results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Sources) > 0 {
			fmt.Println()
			for i, s := range result.Sources {
				fmt.Printf("  [%d] %s#%d\n", i+1, s.DocumentID[:8], s.ChunkIndex)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("type", "", "search type (vector, semantic, hybrid)")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().StringSlice("file-ids", nil, "restrict search to these document IDs")
	askCmd.Flags().String("type", "", "search type (vector, semantic, hybrid)")
	askCmd.Flags().Int("limit", 5, "number of passages used as context")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
