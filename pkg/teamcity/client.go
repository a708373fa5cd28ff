// Package teamcity reserves resources on behalf of queued TeamCity builds
// and mirrors the reservation count into the TeamCity shared-resource
// quota so TeamCity's own scheduler admits the right number of builds.
package teamcity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// BlockedJobPrefix is the waitReason TeamCity reports for a build queued
// on a shared resource. The remainder of the string names the resource.
const BlockedJobPrefix = "Build is waiting for the following resource to become available: "

// Client is a minimal TeamCity REST client covering the build queue,
// build state, and shared-resource quota properties.
type Client struct {
	host     string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client for the TeamCity server at host (scheme and
// authority, no trailing slash) using basic auth.
func NewClient(host, username, password string) *Client {
	return &Client{
		host:     strings.TrimRight(host, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// request performs one REST call. A body switches the call to PUT, the
// convention of the quota property endpoint. Responses outside 2xx are a
// util.CIError carrying the body.
func (c *Client) request(ctx context.Context, url string, body []byte) ([]byte, error) {
	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPut
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.host)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ciErr := &util.CIError{Status: resp.StatusCode, Body: string(data)}
		util.Error(ciErr.Error())
		return nil, ciErr
	}
	return data, nil
}

// QueuedBuild is one entry of the build queue.
type QueuedBuild struct {
	ID         int64  `json:"id"`
	WaitReason string `json:"waitReason"`
}

// BlockedBuilds returns queued builds waiting on a shared resource.
func (c *Client) BlockedBuilds(ctx context.Context) ([]QueuedBuild, error) {
	data, err := c.request(ctx, c.host+"/app/rest/2018.1/buildQueue?fields=build(id,waitReason)", nil)
	if err != nil {
		return nil, err
	}
	var queue struct {
		Build []QueuedBuild `json:"build"`
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("parsing build queue: %w", err)
	}
	var blocked []QueuedBuild
	for _, build := range queue.Build {
		if strings.HasPrefix(build.WaitReason, BlockedJobPrefix) {
			blocked = append(blocked, build)
		}
	}
	return blocked, nil
}

// SharedResourceName extracts the shared-resource name a blocked build is
// waiting on.
func (b QueuedBuild) SharedResourceName() string {
	return strings.TrimPrefix(b.WaitReason, BlockedJobPrefix)
}

// BuildFinished reports whether a build has completed.
func (c *Client) BuildFinished(ctx context.Context, buildID int64) (bool, error) {
	data, err := c.request(ctx, fmt.Sprintf("%s/app/rest/2018.1/builds/id:%d/?fields=state", c.host, buildID), nil)
	if err != nil {
		return false, err
	}
	var build struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &build); err != nil {
		return false, fmt.Errorf("parsing build state: %w", err)
	}
	return build.State == "finished", nil
}

// quotaProperty is the JSON shape of the shared-resource quota property.
// Value stays a string on the wire, TeamCity rejects numbers.
type quotaProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Quota reads the current quota of a shared resource.
func (c *Client) Quota(ctx context.Context, sharedResourceURL string) (int, quotaProperty, error) {
	data, err := c.request(ctx, sharedResourceURL+"/properties/quota", nil)
	if err != nil {
		return 0, quotaProperty{}, err
	}
	var prop quotaProperty
	if err := json.Unmarshal(data, &prop); err != nil {
		return 0, quotaProperty{}, fmt.Errorf("parsing quota: %w", err)
	}
	var value int
	if _, err := fmt.Sscanf(prop.Value, "%d", &value); err != nil {
		return 0, quotaProperty{}, fmt.Errorf("quota value %q is not a number", prop.Value)
	}
	return value, prop, nil
}

// SetQuota writes the quota of a shared resource.
func (c *Client) SetQuota(ctx context.Context, sharedResourceURL string, prop quotaProperty, value int) error {
	prop.Value = fmt.Sprintf("%d", value)
	body, err := json.Marshal(prop)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, sharedResourceURL+"/properties/quota", body)
	return err
}
