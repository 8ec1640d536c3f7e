package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	actionSendItem  = "agregar_item_examenlab"
	actionCloseExam = "actualizar_examenlab_fecha"
)

// SendParams carries one analyte submission.
type SendParams struct {
	ExamID    int64
	Paciente  string
	Fecha     string // any date form; sent compact
	Texto     string
	Valor     string
	RefRange  string
	Adicional string // typically the units
}

// Response is the raw outcome of one remote call, kept for tracing.
type Response struct {
	URL  string
	Body string
}

// APIClient is the outbound surface of the dispatch pipeline.
type APIClient interface {
	SendResult(ctx context.Context, p SendParams) (Response, error)
	CloseExam(ctx context.Context, examID int64, paciente, orderDate string) (Response, error)
}

// Client talks to the results-management service. All operations are
// query-string POSTs with an empty body, selected by an accion parameter.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	log       zerolog.Logger

	closeResultadoGlobal string
	closeResponsable     string
	closeNotas           string
}

func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration,
	closeResultadoGlobal, closeResponsable, closeNotas string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:              strings.TrimRight(baseURL, "?"),
		apiKey:               apiKey,
		apiSecret:            apiSecret,
		http:                 &http.Client{Timeout: timeout},
		log:                  log.With().Str("component", "dispatch_api").Logger(),
		closeResultadoGlobal: closeResultadoGlobal,
		closeResponsable:     closeResponsable,
		closeNotas:           closeNotas,
	}
}

func (c *Client) SendResult(ctx context.Context, p SendParams) (Response, error) {
	params := url.Values{}
	params.Set("accion", actionSendItem)
	params.Set("idexamen", strconv.FormatInt(p.ExamID, 10))
	params.Set("paciente", p.Paciente)
	params.Set("fecha", CompactDate(p.Fecha))
	params.Set("texto", p.Texto)
	params.Set("valor_cualitativo", p.Valor)
	params.Set("valor_referencia", p.RefRange)
	params.Set("valor_adicional", p.Adicional)
	return c.post(ctx, params)
}

func (c *Client) CloseExam(ctx context.Context, examID int64, paciente, orderDate string) (Response, error) {
	params := url.Values{}
	params.Set("accion", actionCloseExam)
	params.Set("idexamen", strconv.FormatInt(examID, 10))
	params.Set("paciente", paciente)
	params.Set("fecha", CompactDate(orderDate))
	params.Set("resultado_global", c.closeResultadoGlobal)
	params.Set("responsable", c.closeResponsable)
	params.Set("notas", c.closeNotas)
	return c.post(ctx, params)
}

func (c *Client) post(ctx context.Context, params url.Values) (Response, error) {
	params.Set("API_Key", c.apiKey)
	params.Set("API_Secret", c.apiSecret)
	fullURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, nil)
	if err != nil {
		return Response{URL: fullURL}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{URL: fullURL}, fmt.Errorf("%s: %w", params.Get("accion"), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	out := Response{URL: fullURL, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("%s: HTTP %d: %s", params.Get("accion"), resp.StatusCode, truncate(out.Body, 500))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
