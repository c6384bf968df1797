package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// testbedCmd reads evaluation results
var testbedCmd = &cobra.Command{
	Use:   "testbed",
	Short: "Read testbed evaluations and reports",
}

var testbedEvaluationsCmd = &cobra.Command{
	Use:   "evaluations",
	Short: "List stored evaluations",
	Long: `List every stored evaluation with its correctness score.

Examples:
  # List evaluations
  ragctl testbed evaluations`,
	RunE: runTestbedEvaluations,
}

var testbedReportCmd = &cobra.Command{
	Use:   "report <eid>",
	Short: "Show one evaluation report",
	Long: `Show the per-question results of one evaluation.

Examples:
  # Show a report
  ragctl testbed report 6f1b2c`,
	Args: cobra.ExactArgs(1),
	RunE: runTestbedReport,
}

func init() {
	testbedCmd.AddCommand(testbedEvaluationsCmd)
	testbedCmd.AddCommand(testbedReportCmd)
}

// Evaluation matches internal/testbed/testbed.go Evaluation
type Evaluation struct {
	EID         string    `json:"eid"`
	TID         string    `json:"tid"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Correctness float64   `json:"correctness"`
}

// EvaluationListResponse matches internal/server/handlers_testbed.go
type EvaluationListResponse struct {
	Evaluations []Evaluation `json:"evaluations"`
}

// ReportItem matches internal/testbed/testbed.go ItemResult
type ReportItem struct {
	Question          string `json:"question"`
	ReferenceAnswer   string `json:"reference_answer"`
	Answer            string `json:"answer"`
	Correctness       bool   `json:"correctness"`
	CorrectnessReason string `json:"correctness_reason"`
}

// Report matches internal/testbed/testbed.go Report
type Report struct {
	EID         string       `json:"eid"`
	TID         string       `json:"tid"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
	Correctness float64      `json:"correctness"`
	Results     []ReportItem `json:"results"`
}

// runTestbedEvaluations handles the testbed evaluations command
func runTestbedEvaluations(cmd *cobra.Command, args []string) error {
	var resp EvaluationListResponse
	if err := doJSON(http.MethodGet, "/v1/testbed/evaluations", nil, &resp); err != nil {
		return err
	}

	if len(resp.Evaluations) == 0 {
		fmt.Println("No evaluations stored")
		return nil
	}

	fmt.Printf("%-12s %-12s %-20s %s\n", "EID", "TID", "EVALUATED", "CORRECTNESS")
	for _, ev := range resp.Evaluations {
		fmt.Printf("%-12s %-12s %-20s %.0f%%\n",
			ev.EID, ev.TID, ev.EvaluatedAt.Format("2006-01-02 15:04:05"), ev.Correctness*100)
	}
	return nil
}

// runTestbedReport handles the testbed report command
func runTestbedReport(cmd *cobra.Command, args []string) error {
	var report Report
	if err := doJSON(http.MethodGet, "/v1/testbed/reports/"+args[0], nil, &report); err != nil {
		return err
	}

	fmt.Printf("Evaluation %s (testset %s)\n", report.EID, report.TID)
	fmt.Printf("Evaluated: %s\n", report.EvaluatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Correctness: %.0f%%\n", report.Correctness*100)

	for i, item := range report.Results {
		verdict := "FAIL"
		if item.Correctness {
			verdict = "PASS"
		}
		fmt.Printf("\n[%d] %s\n", i+1, verdict)
		fmt.Printf("  Q: %s\n", item.Question)
		fmt.Printf("  A: %s\n", item.Answer)
		if !item.Correctness && item.CorrectnessReason != "" {
			fmt.Printf("  Why: %s\n", item.CorrectnessReason)
		}
	}
	return nil
}
