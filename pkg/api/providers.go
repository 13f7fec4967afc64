package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/manager"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/labstack/echo/v4"
)

// maxImportSize bounds registrar export uploads
const maxImportSize = 32 << 20

func kindParam(c echo.Context) (types.ProviderKind, error) {
	kind, err := types.ParseProviderKind(c.Param("kind"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return kind, nil
}

func (s *Server) listProviders(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	records, err := s.manager.Store().ListProviders(kind)
	if err != nil {
		return err
	}

	out := make([]*manager.ProviderInfo, 0, len(records))
	for _, p := range records {
		info, err := s.manager.Provider(kind, p.ID)
		if err != nil {
			return err
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) getProvider(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	info, err := s.manager.Provider(kind, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"provider": info})
}

func (s *Server) refreshProvider(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.manager.Refresh(c.Request().Context(), kind, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// importRegistrarFile replaces a registrar's domain list from the uploaded
// multipart field "file"
func (s *Server) importRegistrarFile(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	format := c.Param("format")
	if format != manager.FormatCSV && format != manager.FormatJSON {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown import format %q", format))
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImportSize))
	if err != nil {
		return err
	}

	n, err := s.manager.ImportFile(c.Request().Context(), id, format, data)
	if err != nil {
		return err
	}

	s.logger.Info().Int("registrar_id", id).Str("format", format).Int("domains", n).Msg("registrar file imported")
	return c.JSON(http.StatusOK, map[string]int{"domains": n})
}

func (s *Server) registrarDomainStatus(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	status, err := s.manager.RegistrarDomainStatus(c.Request().Context(), id, c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": status})
}

// reconcile starts a full sweep and returns without waiting for it
func (s *Server) reconcile(c echo.Context) error {
	started := s.manager.Sweep()
	return c.JSON(http.StatusAccepted, map[string]bool{"started": started})
}

// streamEvents writes broker events as server-sent events until the client
// goes away. ?types=a,b limits the stream to those event types.
func (s *Server) streamEvents(c echo.Context) error {
	var only []events.EventType
	for _, t := range strings.Split(c.QueryParam("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			only = append(only, events.EventType(t))
		}
	}

	broker := s.manager.Events()
	sub := broker.Subscribe(only...)
	defer broker.Unsubscribe(sub)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// IssueTokenRequest is the body of POST /api/tokens
type IssueTokenRequest struct {
	TTL string `json:"ttl"`
}

const defaultTokenTTL = time.Hour

func (s *Server) issueToken(c echo.Context) error {
	var req IssueTokenRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	ttl := defaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid ttl %q", req.TTL))
		}
		ttl = d
	}

	tokens := s.manager.Tokens()
	tokens.CleanupExpiredTokens()
	token, err := tokens.GenerateToken(ttl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, token)
}
