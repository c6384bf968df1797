package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// promptsCmd manages the prompt catalog
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and override prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt template names",
	Long: `List the names of every prompt template in the catalog.

Examples:
  # List prompt names
  ragctl prompts list`,
	RunE: runPromptsList,
}

var promptsSetCmd = &cobra.Command{
	Use:   "set <name> [text]",
	Short: "Override one prompt template",
	Long: `Store override text for one prompt template. The compiled default
stays untouched; "prompts reset" restores it.

The text is taken from the arguments, or from stdin when absent.

Examples:
  # Override from the command line
  ragctl prompts set optimizer-context-default "Use only the provided context."

  # Override from a file
  ragctl prompts set optimizer-basic-default < prompt.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPromptsSet,
}

var promptsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every prompt override",
	Long: `Drop every stored override, restoring the compiled defaults.

Examples:
  # Restore catalog defaults
  ragctl prompts reset`,
	RunE: runPromptsReset,
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsSetCmd)
	promptsCmd.AddCommand(promptsResetCmd)
}

// PromptListResponse matches internal/server/handlers_prompts.go
type PromptListResponse struct {
	Prompts []string `json:"prompts"`
}

// PromptView matches internal/server/handlers_prompts.go promptView
type PromptView struct {
	Name     string `json:"name"`
	Override string `json:"override_text"`
	Text     string `json:"text"`
}

// DetailResponse is the generic {"detail": ...} acknowledgement
type DetailResponse struct {
	Detail string `json:"detail"`
}

// runPromptsList handles the prompts list command
func runPromptsList(cmd *cobra.Command, args []string) error {
	var resp PromptListResponse
	if err := doJSON(http.MethodGet, "/v1/mcp/prompts", nil, &resp); err != nil {
		return err
	}
	for _, name := range resp.Prompts {
		fmt.Println(name)
	}
	return nil
}

// runPromptsSet handles the prompts set command
func runPromptsSet(cmd *cobra.Command, args []string) error {
	name := args[0]

	var text string
	if len(args) > 1 {
		text = args[1]
	} else {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		text = string(raw)
	}
	if text == "" {
		return fmt.Errorf("no override text to set")
	}

	var view PromptView
	payload := map[string]string{"text": text}
	if err := doJSON(http.MethodPatch, "/v1/mcp/prompts/"+name, payload, &view); err != nil {
		return err
	}

	fmt.Printf("Override stored for %s (%d characters)\n", view.Name, len(view.Text))
	return nil
}

// runPromptsReset handles the prompts reset command
func runPromptsReset(cmd *cobra.Command, args []string) error {
	var resp DetailResponse
	if err := doJSON(http.MethodPost, "/v1/mcp/prompts/reset", nil, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Detail)
	return nil
}
