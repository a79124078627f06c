package storeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"go.uber.org/zap"
)

const (
	eventSnapshot = "snapshot"
	eventError    = "error"
	// DefaultMaxEventBytes bounds a single stream line. A full snapshot of a large map
	// arrives as one data line, so scopes with more markers need Config.MaxEventBytes.
	DefaultMaxEventBytes = 4 << 20
)

var errStreamFailed = errors.New("storeclient: server reported stream failure")

type streamEvent struct {
	name string
	data string
}

// SubscribeMarkers opens the marker stream of scope and reports every snapshot. It returns
// after the stream is established; the disposer closes it and waits for the reader. When
// the stream ends on its own, onError receives the cause.
func (c *Client) SubscribeMarkers(ctx context.Context, scope mapsync.Scope, onSnapshot func([]mapsync.Marker), onError func(error)) (mapsync.Disposer, error) {
	if scope.IsNone() {
		return nil, errScopeRequired
	}
	return c.subscribe(ctx, "/markers/stream", scopeQuery(scope), onError, func(data string) error {
		var payload markerListPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return err
		}
		onSnapshot(markersFrom(payload.Markers))
		return nil
	})
}

// SubscribeCommunities opens the community stream.
func (c *Client) SubscribeCommunities(ctx context.Context, onSnapshot func([]mapsync.Community), onError func(error)) (mapsync.Disposer, error) {
	return c.subscribe(ctx, "/communities/stream", nil, onError, func(data string) error {
		var payload communityListPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return err
		}
		onSnapshot(communitiesFrom(payload.Communities))
		return nil
	})
}

func (c *Client) subscribe(ctx context.Context, path string, query url.Values, onError func(error), onSnapshot func(data string) error) (mapsync.Disposer, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stopOnParent := context.AfterFunc(ctx, cancel)

	request, err := c.newRequest(streamCtx, http.MethodGet, path, query, nil)
	if err != nil {
		stopOnParent()
		cancel()
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := c.httpClient.Do(request)
	if err != nil {
		stopOnParent()
		cancel()
		return nil, fmt.Errorf("storeclient: open %s: %w", path, err)
	}
	if err := checkResponse(response); err != nil {
		_ = response.Body.Close()
		stopOnParent()
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer response.Body.Close()
		err := readEvents(response.Body, c.maxEventBytes, func(event streamEvent) bool {
			switch event.name {
			case eventSnapshot:
				if err := onSnapshot(event.data); err != nil {
					c.logger.Warn("discarding malformed snapshot", zap.String("path", path), zap.Error(err))
				}
			case eventError:
				c.logger.Error("stream reported failure", zap.String("path", path), zap.String("data", event.data))
				return false
			}
			return true
		})
		if err == nil {
			err = errStreamFailed
		}
		if streamCtx.Err() != nil {
			return
		}
		c.logger.Warn("stream ended", zap.String("path", path), zap.Error(err))
		if onError != nil {
			onError(err)
		}
	}()

	return func() {
		stopOnParent()
		cancel()
		<-done
	}, nil
}

// readEvents parses a text/event-stream body and hands each complete event to handle until
// handle returns false or the body ends. A line longer than maxLineBytes fails the stream.
func readEvents(body io.Reader, maxLineBytes int, handle func(streamEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLineBytes)), maxLineBytes)
	var current streamEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.name != "" || len(data) > 0 {
				current.data = strings.Join(data, "\n")
				if current.name == "" {
					current.name = "message"
				}
				if !handle(current) {
					return nil
				}
			}
			current = streamEvent{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			current.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("storeclient: stream event exceeds %d bytes: %w", maxLineBytes, err)
		}
		return err
	}
	return io.ErrUnexpectedEOF
}
