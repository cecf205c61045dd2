// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/bastion-dev/bastion/internal/detection"
)

// Compile-time checks: the client serves every platform-facing port of
// the detection package.
var (
	_ detection.PunishmentExecutor = (*Client)(nil)
	_ detection.ChannelDirectory   = (*Client)(nil)
	_ detection.MemberDirectory    = (*Client)(nil)
	_ detection.TrustRegistry      = (*Client)(nil)
)

// memberRecord is the platform's member payload.
type memberRecord struct {
	ID        string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
	Moderator bool      `json:"moderator"`
	Trust     string    `json:"trust"`
}

func (c *Client) member(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) (*memberRecord, error) {
	path := fmt.Sprintf("/tenants/%s/members/%s", seg(string(tenant)), seg(string(actor)))
	body, err := c.do(ctx, "get_member", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var m memberRecord
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("get_member: decode: %w", err)
	}
	return &m, nil
}

// AccountCreatedAt returns the platform account creation time.
func (c *Client) AccountCreatedAt(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) (time.Time, error) {
	m, err := c.member(ctx, tenant, actor)
	if err != nil {
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

// HasModeratorPermissions reports whether the actor holds
// moderator-equivalent permissions.
func (c *Client) HasModeratorPermissions(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) (bool, error) {
	m, err := c.member(ctx, tenant, actor)
	if err != nil {
		return false, err
	}
	return m.Moderator, nil
}

// Resolve maps the platform's trust field to a TrustTier. Unknown values
// resolve to the least trusted tier.
func (c *Client) Resolve(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) (detection.TrustTier, error) {
	m, err := c.member(ctx, tenant, actor)
	if err != nil {
		return detection.TrustDefaultUser, err
	}
	return detection.ParseTrustTier(m.Trust), nil
}

// RoleHolders lists current holders of a role.
func (c *Client) RoleHolders(ctx context.Context, tenant detection.TenantID, role detection.RoleID) ([]detection.ActorID, error) {
	path := fmt.Sprintf("/tenants/%s/roles/%s/members", seg(string(tenant)), seg(string(role)))
	body, err := c.do(ctx, "role_holders", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var holders []detection.ActorID
	if err := json.Unmarshal(body, &holders); err != nil {
		return nil, fmt.Errorf("role_holders: decode: %w", err)
	}
	return holders, nil
}

// ListChannels returns every channel with its current default-role
// overwrite.
func (c *Client) ListChannels(ctx context.Context, tenant detection.TenantID) ([]detection.ChannelState, error) {
	path := fmt.Sprintf("/tenants/%s/channels", seg(string(tenant)))
	body, err := c.do(ctx, "list_channels", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var channels []detection.ChannelState
	if err := json.Unmarshal(body, &channels); err != nil {
		return nil, fmt.Errorf("list_channels: decode: %w", err)
	}
	return channels, nil
}

// SetDefaultOverwrite replaces the default-role overwrite of a channel.
func (c *Client) SetDefaultOverwrite(ctx context.Context, tenant detection.TenantID, channel detection.ChannelID, overwrite detection.PermissionOverwrite, reason string) error {
	path := fmt.Sprintf("/tenants/%s/channels/%s/overwrite", seg(string(tenant)), seg(string(channel)))
	_, err := c.do(ctx, "set_default_overwrite", http.MethodPut, path, overwrite, reason)
	return err
}
