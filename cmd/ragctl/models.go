package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// modelsCmd lists registered models
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List registered models",
	Long: `List the models registered on the ragd server.

Examples:
  # List all models
  ragctl models`,
	RunE: runModels,
}

// Model matches internal/config/config.go ModelConfig
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	Enabled  bool   `json:"enabled"`
}

// ModelListResponse matches internal/server/handlers_models.go modelListResponse
type ModelListResponse struct {
	Models []Model `json:"models"`
}

// runModels handles the models command
func runModels(cmd *cobra.Command, args []string) error {
	var resp ModelListResponse
	if err := doJSON(http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return err
	}

	if len(resp.Models) == 0 {
		fmt.Println("No models registered")
		return nil
	}

	fmt.Printf("%-40s %-10s %-8s %s\n", "MODEL", "KIND", "ENABLED", "ENDPOINT")
	for _, m := range resp.Models {
		fmt.Printf("%-40s %-10s %-8t %s\n",
			m.Provider+"/"+m.ID, m.Kind, m.Enabled, m.Endpoint)
	}
	return nil
}
