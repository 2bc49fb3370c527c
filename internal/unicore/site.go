package unicore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
)

const (
	coreServicesType = "CoreServices"
	coreSuffix       = "/rest/core"
	anonymousRole    = "anonymous"
)

type registryResponse struct {
	Entries *[]registryEntry `json:"entries"`
}

type registryEntry struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

// Sites reads the registry and returns the core endpoint of every site.
func (b *Backend) Sites(ctx context.Context) (map[string]string, error) {
	var resp registryResponse
	if err := b.getJSON(ctx, b.registryURL, &resp); err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		return nil, errors.New("registry response has no entries")
	}
	sites := make(map[string]string, len(*resp.Entries))
	for _, entry := range *resp.Entries {
		if entry.Type != coreServicesType {
			continue
		}
		name, base, ok := siteFromHref(entry.Href)
		if !ok {
			b.logger.Debug("skipping registry entry", zap.String("href", entry.Href))
			continue
		}
		sites[name] = base
	}
	return sites, nil
}

// siteFromHref splits https://host/SITE/rest/core/... into the site name
// and the core base URL.
func siteFromHref(href string) (string, string, bool) {
	idx := strings.Index(href, coreSuffix)
	if idx <= 0 {
		return "", "", false
	}
	prefix := href[:idx]
	u, err := url.Parse(prefix)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "", "", false
	}
	return path.Base(u.Path), href[:idx+len(coreSuffix)], true
}

type coreResponse struct {
	Client struct {
		Role struct {
			Selected string `json:"selected"`
		} `json:"role"`
	} `json:"client"`
}

// Connect checks that the caller is authenticated at siteURL.
func (b *Backend) Connect(ctx context.Context, siteURL string) (bridge.SiteClient, error) {
	var resp coreResponse
	if err := b.getJSON(ctx, siteURL, &resp); err != nil {
		return nil, err
	}
	if role := resp.Client.Role.Selected; role == anonymousRole {
		return nil, &AuthError{SiteURL: siteURL, Role: role}
	}
	return &Site{backend: b, url: strings.TrimRight(siteURL, "/")}, nil
}

// Site is a connected site core endpoint.
type Site struct {
	backend *Backend
	url     string
}

type jobsResponse struct {
	Jobs []string `json:"jobs"`
}

// Jobs returns handles for num jobs starting at offset, in server order.
func (s *Site) Jobs(ctx context.Context, offset, num int) ([]bridge.RemoteJob, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("num", strconv.Itoa(num))
	var resp jobsResponse
	if err := s.backend.getJSON(ctx, s.url+"/jobs?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]bridge.RemoteJob, 0, len(resp.Jobs))
	for _, u := range resp.Jobs {
		jobs = append(jobs, &Job{backend: s.backend, url: u})
	}
	return jobs, nil
}
