package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openshelf/openshelf/internal/logging"
)

// External delegates challenge solving to a separate solver service
// speaking the FlareSolverr JSON protocol. It satisfies the same Gateway
// contract as Embedded but does not populate the cookie jar: the solver
// runs with its own network stack, so its cookies are not bound to this
// process's DNS and proxy configuration. Callers tolerate the missing
// fast path.
type External struct {
	Endpoint string
	Client   *http.Client
	// Timeout is forwarded to the solver as its per-request budget.
	Timeout time.Duration
}

// NewExternal creates a delegate gateway for the given endpoint, e.g.
// "http://solver:8191/v1".
func NewExternal(endpoint string, client *http.Client, timeout time.Duration) *External {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &External{Endpoint: endpoint, Client: client, Timeout: timeout}
}

type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"` // milliseconds
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// Fetch implements Gateway.
func (x *External) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(solverRequest{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: int(x.Timeout.Milliseconds()),
	})
	if err != nil {
		return "", &Failure{URL: url, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Failure{URL: url, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver response read: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver status %d", resp.StatusCode)}
	}

	var sr solverResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver response parse: %v", err)}
	}
	if sr.Status != "ok" {
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver: %s", sr.Message)}
	}
	if sr.Solution.Status >= 400 {
		return "", &Failure{URL: url, Reason: fmt.Sprintf("solver got status %d from origin", sr.Solution.Status)}
	}
	if sr.Solution.Response == "" {
		return "", &Failure{URL: url, Reason: "solver returned empty page"}
	}

	lg := logging.GetLogger("bypass")
	lg.Debug().Str("url", url).Int("origin_status", sr.Solution.Status).Msg("external solver succeeded")
	return sr.Solution.Response, nil
}
