//Package vmserver talks to the helper server running inside the victim VM. The
//server places attacker-chosen targets in guest memory, spawns external victim
//binaries and exposes their stdio, and resolves the physical addresses the
//attack needs to interpret page fault events.
package vmserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"sevStepLib/victim"
)

//TransportError reports a failed request to the VM server. It terminates the
//current run; a fresh run may retry at the caller's discretion.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("vm server request %q failed : %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

//InitCustomTargetReq spawns an external victim binary inside the VM. The binary
//must follow the two-phase stdio protocol (see package victim); its stdout and
//stdin are reachable through ReadStdoutLine/WriteStdinLine afterwards.
type InitCustomTargetReq struct {
	FolderPath string   `json:"folder_path"`
	ExecuteCmd string   `json:"execute_cmd"`
	Args       []string `json:"args"`
}

//InitAssemblyTargetReq places raw machine code on a page aligned guest page.
//The code is entered with a pointer to a page aligned data buffer of
//RequiredMemBytes in rdi.
type InitAssemblyTargetReq struct {
	Code             []byte `json:"code"`
	RequiredMemBytes int    `json:"required_mem_bytes"`
}

type InitAssemblyTargetResp struct {
	CodeVaddr       uint64 `json:"code_vaddr"`
	CodePaddr       uint64 `json:"code_paddr"`
	DataBufferVaddr uint64 `json:"data_buffer_vaddr"`
	DataBufferPaddr uint64 `json:"data_buffer_paddr"`
	DataBufferBytes int    `json:"data_buffer_bytes"`
}

func (r *InitAssemblyTargetResp) String() string {
	return fmt.Sprintf("InitAssemblyTargetResp(code_vaddr=0x%x, code_paddr=0x%x, data_buffer_vaddr=0x%x, data_buffer_paddr=0x%x, data_buffer_bytes=0x%x)",
		r.CodeVaddr, r.CodePaddr, r.DataBufferVaddr, r.DataBufferPaddr, r.DataBufferBytes)
}

//InitPagePingPongerReq sets up a target that alternates accesses between two
//pages, used to calibrate the single-stepping timer. Variant is "data" or "exec".
type InitPagePingPongerReq struct {
	Variant string `json:"variant"`
	Rounds  int    `json:"rounds"`
}

type InitPagePingPongerResp struct {
	Page1Vaddr uint64 `json:"page1_vaddr"`
	Page1Paddr uint64 `json:"page1_paddr"`
	Page2Vaddr uint64 `json:"page2_vaddr"`
	Page2Paddr uint64 `json:"page2_paddr"`
}

//Client is a blocking HTTP client for the VM server. The server drives one
//target at a time; no connection is held longer than one request/response.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url %q : %v", c.baseURL, err)
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

//postJSON sends req as JSON body and decodes the response into resp, if non-nil
func (c *Client) postJSON(op, path string, req, resp interface{}) error {
	endpoint, err := c.endpoint(path, nil)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	body := &bytes.Buffer{}
	if req != nil {
		if err := json.NewEncoder(body).Encode(req); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("failed to encode request : %v", err)}
		}
	}

	httpResp, err := c.httpClient.Post(endpoint, "application/json", body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer drainAndClose(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(httpResp.Body)
		return &TransportError{Op: op, Err: fmt.Errorf("server returned status %v : %s", httpResp.StatusCode, msg)}
	}
	if resp != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("failed to parse body : %v", err)}
		}
	}
	return nil
}

//NewCustomTarget spawns an external victim binary. The process starts in its
//setup phase; drive it with victim.NewProcess(client).
func (c *Client) NewCustomTarget(req *InitCustomTargetReq) error {
	return c.postJSON("custom-target/new", "/custom-target/new", req, nil)
}

//NewAssemblyTarget places raw machine code in the VM and returns its addresses
func (c *Client) NewAssemblyTarget(req *InitAssemblyTargetReq) (*InitAssemblyTargetResp, error) {
	resp := &InitAssemblyTargetResp{}
	if err := c.postJSON("assembly-target/new", "/assembly-target/new", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

//NewPagePingPonger sets up a two-page ping-pong target and returns both page addresses
func (c *Client) NewPagePingPonger(req *InitPagePingPongerReq) (*InitPagePingPongerResp, error) {
	resp := &InitPagePingPongerResp{}
	if err := c.postJSON("page-ping-ponger/new", "/page-ping-ponger/new", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

//RunTarget runs the current assembly or ping-pong target once. Custom targets
//are released via their stdin instead.
func (c *Client) RunTarget() error {
	return c.postJSON("run-target", "/run-target", nil, nil)
}

//ReadStdoutLine returns the next stdout line of the current custom target.
//A 204 response maps to victim.ErrTimeout, a 410 response to victim.ErrEOF.
func (c *Client) ReadStdoutLine(timeout time.Duration) (string, error) {
	const op = "target/stdout-line"
	query := url.Values{}
	query.Set("timeout_ms", strconv.FormatInt(timeout.Milliseconds(), 10))
	endpoint, err := c.endpoint("/target/stdout-line", query)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}

	httpResp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	defer drainAndClose(httpResp.Body)

	switch httpResp.StatusCode {
	case http.StatusOK:
		line, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return "", &TransportError{Op: op, Err: fmt.Errorf("failed to read body : %v", err)}
		}
		return string(line), nil
	case http.StatusNoContent:
		return "", victim.ErrTimeout
	case http.StatusGone:
		return "", victim.ErrEOF
	default:
		msg, _ := io.ReadAll(httpResp.Body)
		return "", &TransportError{Op: op, Err: fmt.Errorf("server returned status %v : %s", httpResp.StatusCode, msg)}
	}
}

//WriteStdinLine writes one line to the current custom target's stdin
func (c *Client) WriteStdinLine(line string) error {
	return c.postJSON("target/stdin-line", "/target/stdin-line", map[string]string{"line": line}, nil)
}

//Stop kills the current target
func (c *Client) Stop() error {
	return c.postJSON("target/stop", "/target/stop", nil, nil)
}

//drain http body so the connection can be reused, then close it
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
