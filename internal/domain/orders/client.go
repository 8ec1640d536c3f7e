package orders

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const actionFetchOrders = "ordenes_laboratorio_fecha"

// Client downloads laboratory orders from the remote system. The service
// takes its parameters in the query string of a POST with an empty body.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	log       zerolog.Logger
}

func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "?"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
		log:       log.With().Str("component", "orders-client").Logger(),
	}
}

// FetchOrdersXML downloads the orders document for one exploration date
// (YYYY-MM-DD) and returns the raw XML text.
func (c *Client) FetchOrdersXML(ctx context.Context, fechaExploracion string) (string, error) {
	params := url.Values{}
	params.Set("API_Key", c.apiKey)
	params.Set("API_Secret", c.apiSecret)
	params.Set("accion", actionFetchOrders)
	params.Set("fecha_exploracion", fechaExploracion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("orders request: %w", err)
	}

	c.log.Info().Str("fecha", fechaExploracion).Msg("downloading orders")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("orders fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("orders read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("orders fetch: HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	return string(body), nil
}

// ordersDoc mirrors resultado_ws/detalle_respuesta/paciente/examen.
type ordersDoc struct {
	XMLName xml.Name `xml:"resultado_ws"`
	Detalle struct {
		Pacientes []struct {
			Documento string      `xml:"documento,attr"`
			Examenes  []OrderExam `xml:"examen"`
		} `xml:"paciente"`
	} `xml:"detalle_respuesta"`
}

// ParseOrders decodes the orders XML, keeping only exams whose protocol code
// is in allowedCodes. An empty allow set keeps everything, so a missing
// mapping never silently discards the whole download.
func ParseOrders(xmlText string, allowedCodes map[string]struct{}) ([]OrderRecord, error) {
	var doc ordersDoc
	if err := xml.Unmarshal([]byte(strings.TrimSpace(xmlText)), &doc); err != nil {
		return nil, fmt.Errorf("orders parse: %w", err)
	}

	var records []OrderRecord
	for _, p := range doc.Detalle.Pacientes {
		rec := OrderRecord{Documento: strings.TrimSpace(p.Documento)}
		for _, e := range p.Examenes {
			e.ID = strings.TrimSpace(e.ID)
			e.ProtocoloCodigo = strings.TrimSpace(e.ProtocoloCodigo)
			if len(allowedCodes) > 0 {
				if _, ok := allowedCodes[e.ProtocoloCodigo]; !ok {
					continue
				}
			}
			rec.Examenes = append(rec.Examenes, e)
		}
		if len(rec.Examenes) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
