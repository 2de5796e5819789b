package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/codemode-dev/codemode/internal/errorkind"
)

// StdioCaller implements Caller over a child process speaking MCP's
// Content-Length-framed stdio transport.
type StdioCaller struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan stdioResult
	mu      sync.Mutex
	writeMu sync.Mutex
	nextID  int64
	closed  chan struct{}
	once    sync.Once
}

type stdioResult struct {
	resp rpcResponse
	err  error
}

// NewStdioCaller launches cfg.Command and performs the MCP initialize
// handshake. The child inherits the parent process environment plus any
// overrides in cfg.Env — the stdio transport has no authentication of its
// own, so environment sharing is the only channel for credentials, and a
// child cannot selectively unset an inherited variable, only add/override
// one (see the stdio-environment-sharing decision in DESIGN.md).
func NewStdioCaller(ctx context.Context, cfg StdioServerConfig) (*StdioCaller, error) {
	if cfg.Command == "" {
		return nil, errorkind.New(errorkind.TransportFailure, "stdio server: command is required")
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "stdio server: opening stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "stdio server: opening stdout")
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "stdio server: starting %q", cfg.Command)
	}

	c := &StdioCaller{cmd: cmd, stdin: stdin, pending: make(map[int64]chan stdioResult), closed: make(chan struct{})}
	go c.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}
	if err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "codemode", "version": "dev"},
	}, nil); err != nil {
		_ = c.Close()
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "stdio server %q: initialize handshake failed", cfg.Command)
	}
	return c, nil
}

// ListAllTools enumerates the child's tools via "tools/list".
func (c *StdioCaller) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result struct {
		Tools []struct {
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			InputSchema  json.RawMessage `json:"inputSchema"`
			OutputSchema json.RawMessage `json:"outputSchema"`
		} `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "stdio tools/list failed")
	}
	out := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, OutputSchema: t.OutputSchema})
	}
	return out, nil
}

// CallTool invokes "tools/call" over stdio.
func (c *StdioCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var result struct {
		Content json.RawMessage `json:"content"`
	}
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	return result.Content, nil
}

// Close terminates the child process and releases resources.
func (c *StdioCaller) Close() error {
	c.once.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

func (c *StdioCaller) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan stdioResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return fmt.Errorf("mcp error %d: %s", res.resp.Error.Code, res.resp.Error.Message)
		}
		if result != nil && res.resp.Result != nil {
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return errors.New("stdio caller closed")
	}
}

func (c *StdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- stdioResult{resp: resp}
			close(ch)
		}
	}
}

func (c *StdioCaller) failPending(err error) {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- stdioResult{err: err}
		close(ch)
	}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *StdioCaller) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
