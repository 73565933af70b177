// Package membership предоставляет клиент внешнего сервиса проверки членства в канале.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnavailable возвращается при временной недоступности сервиса членства.
// Вызывающая сторона повторяет проверку при следующей сверке.
var ErrUnavailable = errors.New("membership service unavailable")

// Client инкапсулирует HTTP-взаимодействие с сервисом проверки членства.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type memberResponse struct {
	Member bool `json:"member"`
}

type membersPageResponse struct {
	Members []int64 `json:"members"`
	Total   int     `json:"total"`
}

// NewClient создаёт клиент сервиса членства по указанному адресу.
// Транспорт повторяет запросы при сетевых сбоях и ответах 5xx.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// IsMember проверяет, состоит ли пользователь в канале.
// Сетевые сбои и ответы 5xx возвращаются как ErrUnavailable.
func (c *Client) IsMember(ctx context.Context, userID int64) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, fmt.Errorf("membership client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(fmt.Sprintf("/api/members/%d", userID)), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result memberResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return result.Member, nil
}

// ListMembers перечисляет всех участников канала постранично.
// При сбое в середине перечисления возвращается уже собранный префикс
// вместе с ошибкой: вызывающая сторона обрабатывает частичный результат.
func (c *Client) ListMembers(ctx context.Context, pageSize int) ([]int64, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("membership client not configured")
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	var members []int64
	offset := 0

	for {
		page, total, err := c.listPage(ctx, offset, pageSize)
		if err != nil {
			return members, err
		}

		members = append(members, page...)
		offset += len(page)

		if len(page) == 0 || offset >= total {
			return members, nil
		}
	}
}

func (c *Client) listPage(ctx context.Context, offset, limit int) ([]int64, int, error) {
	url := c.url(fmt.Sprintf("/api/members?offset=%d&limit=%d", offset, limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result membersPageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	return result.Members, result.Total, nil
}
