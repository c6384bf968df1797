package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// streamTerminator matches internal/chat/sink.go StreamTerminator
const streamTerminator = "[stream_finished]"

var chatStream bool

// chatCmd sends one chat turn
var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Send a chat turn to the server",
	Long: `Send one chat question to the ragd server and print the answer.

The question is taken from the arguments, or from stdin when absent.
With --stream the answer prints token by token as the model produces it.

Examples:
  # Ask a question
  ragctl chat "what does the refresh endpoint do?"

  # Stream the answer
  ragctl chat --stream "summarize the uploaded reports"

  # Run under a specific settings record
  ragctl chat --client alice "what changed last week?"`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "print tokens as they arrive")
}

// ChatMessage matches internal/chat/types.go Message
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest matches internal/chat/types.go Request
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatChoice matches internal/chat/types.go Choice
type ChatChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatSearchMetadata matches internal/chat/types.go SearchMetadata
type ChatSearchMetadata struct {
	SearchedTables []string `json:"searched_tables"`
	DocumentCount  int      `json:"document_count"`
}

// ChatCompletion matches internal/chat/types.go Completion
type ChatCompletion struct {
	Model      string              `json:"model"`
	Choices    []ChatChoice        `json:"choices"`
	VSMetadata *ChatSearchMetadata `json:"vs_metadata"`
}

// runChat handles the chat command
func runChat(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		question = strings.TrimSpace(string(raw))
	}
	if question == "" {
		return fmt.Errorf("no question to send")
	}

	req := ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: question}},
	}

	if chatStream {
		return streamChat(req)
	}

	var completion ChatCompletion
	if err := doJSON(http.MethodPost, "/v1/chat/completions", req, &completion); err != nil {
		return err
	}
	if len(completion.Choices) == 0 {
		return fmt.Errorf("server returned no choices")
	}

	fmt.Println(completion.Choices[0].Message.Content)

	if md := completion.VSMetadata; md != nil && md.DocumentCount > 0 {
		fmt.Fprintf(os.Stderr, "[ragctl] %d chunks from %s\n",
			md.DocumentCount, strings.Join(md.SearchedTables, ", "))
	}
	return nil
}

// streamChat runs the streaming variant and copies token bytes to
// stdout until the terminator.
func streamChat(chatReq ChatRequest) error {
	raw, err := json.Marshal(chatReq)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := newRequest(http.MethodPost, "/v1/chat/streams", bytes.NewReader(raw))
	if err != nil {
		return err
	}

	// Streams run as long as the model generates; no client timeout.
	client := &http.Client{
		Timeout: chatTimeout,
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s/v1/chat/streams: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := printStream(os.Stdout, resp.Body); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

// printStream copies token bytes from r to w, holding back a
// terminator-sized tail so the sentinel never reaches the terminal even
// when a read splits it.
func printStream(w io.Writer, r io.Reader) error {
	term := []byte(streamTerminator)
	var carry []byte
	buf := make([]byte, 4096)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			if idx := bytes.Index(carry, term); idx >= 0 {
				_, err := w.Write(carry[:idx])
				return err
			}
			keep := len(term) - 1
			if keep > len(carry) {
				keep = len(carry)
			}
			flush := len(carry) - keep
			if flush > 0 {
				if _, err := w.Write(carry[:flush]); err != nil {
					return err
				}
				carry = append([]byte(nil), carry[flush:]...)
			}
		}
		if readErr == io.EOF {
			// Server closed without the terminator: print what is
			// buffered so nothing is silently dropped.
			if len(carry) > 0 {
				if _, err := w.Write(carry); err != nil {
					return err
				}
			}
			return fmt.Errorf("stream ended without terminator")
		}
		if readErr != nil {
			return fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}
