// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/metrics"
)

// punish wraps do with punishment metrics.
func (c *Client) punish(ctx context.Context, op, method, path string, payload any, reason string) error {
	start := time.Now()
	_, err := c.do(ctx, op, method, path, payload, reason)
	metrics.RecordPunishment(op, err, time.Since(start))
	return err
}

func seg(id string) string {
	return url.PathEscape(id)
}

// Ban permanently bans a member.
func (c *Client) Ban(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, reason string) error {
	path := fmt.Sprintf("/tenants/%s/bans/%s", seg(string(tenant)), seg(string(actor)))
	return c.punish(ctx, "ban", http.MethodPut, path, nil, reason)
}

// Timeout places a member in a temporary communication timeout.
func (c *Client) Timeout(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, duration time.Duration, reason string) error {
	path := fmt.Sprintf("/tenants/%s/members/%s/timeout", seg(string(tenant)), seg(string(actor)))
	payload := map[string]int{"duration_seconds": int(duration.Seconds())}
	return c.punish(ctx, "timeout", http.MethodPut, path, payload, reason)
}

// Kick removes a member from the tenant.
func (c *Client) Kick(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, reason string) error {
	path := fmt.Sprintf("/tenants/%s/members/%s", seg(string(tenant)), seg(string(actor)))
	return c.punish(ctx, "kick", http.MethodDelete, path, nil, reason)
}

// RemoveAllRoles strips every role from a member.
func (c *Client) RemoveAllRoles(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, reason string) error {
	path := fmt.Sprintf("/tenants/%s/members/%s/roles", seg(string(tenant)), seg(string(actor)))
	return c.punish(ctx, "remove_all_roles", http.MethodDelete, path, nil, reason)
}

// SetChannelRestriction toggles the write restriction on a channel.
func (c *Client) SetChannelRestriction(ctx context.Context, tenant detection.TenantID, channel detection.ChannelID, restricted bool, reason string) error {
	path := fmt.Sprintf("/tenants/%s/channels/%s/restriction", seg(string(tenant)), seg(string(channel)))
	payload := map[string]bool{"restricted": restricted}
	return c.punish(ctx, "set_channel_restriction", http.MethodPut, path, payload, reason)
}

// SetChannelCooldown sets the per-member message cooldown of a channel.
// Zero clears it.
func (c *Client) SetChannelCooldown(ctx context.Context, tenant detection.TenantID, channel detection.ChannelID, seconds int, reason string) error {
	path := fmt.Sprintf("/tenants/%s/channels/%s/cooldown", seg(string(tenant)), seg(string(channel)))
	payload := map[string]int{"seconds": seconds}
	return c.punish(ctx, "set_channel_cooldown", http.MethodPut, path, payload, reason)
}

// GrantRole adds a role to a member.
func (c *Client) GrantRole(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, role detection.RoleID, reason string) error {
	path := fmt.Sprintf("/tenants/%s/members/%s/roles/%s", seg(string(tenant)), seg(string(actor)), seg(string(role)))
	return c.punish(ctx, "grant_role", http.MethodPut, path, nil, reason)
}

// RevokeRole removes a role from a member.
func (c *Client) RevokeRole(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, role detection.RoleID, reason string) error {
	path := fmt.Sprintf("/tenants/%s/members/%s/roles/%s", seg(string(tenant)), seg(string(actor)), seg(string(role)))
	return c.punish(ctx, "revoke_role", http.MethodDelete, path, nil, reason)
}
