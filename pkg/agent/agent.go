// Package agent is the per-host companion process: it exchanges its
// node credentials for broker coordinates, publishes metrics on a
// timer, publishes inventory on change, and reconnects when its
// credentials rotate.
package agent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
)

// Agent runs the outer acquire-credentials / run-session loop.
type Agent struct {
	log      logrus.FieldLogger
	cfg      *config.AgentConfig
	client   *exchangeClient
	sysinfo  *inventoryState
	rotateTo *nodeauth.BrokerCredentials
}

// New creates an agent from its environment configuration. The stamped
// build identity ends up in the published inventory, layered under any
// version.json or STATIX_AGENT_* overrides.
func New(log logrus.FieldLogger, cfg *config.AgentConfig, build BuildInfo) *Agent {
	return &Agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		client: newExchangeClient(cfg.APIBaseURL, cfg.NodeID, cfg.NodeToken),
		sysinfo: newInventoryState(
			cfg.SysInfoRepublishEvery, resolveBuildInfo(build),
		),
	}
}

// Run loops until the context is cancelled: acquire credentials, run a
// broker session, sleep, repeat. Credential rotation detected inside a
// session seeds the next one without an extra exchange round-trip.
func (a *Agent) Run(ctx context.Context) error {
	a.log.WithField("node", a.cfg.NodeID).Info("Agent starting")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		creds := a.rotateTo
		a.rotateTo = nil

		if creds == nil {
			var err error

			creds, err = a.client.Exchange(ctx)
			if err != nil {
				a.log.WithError(err).Warn("Credential exchange failed")

				if !a.sleep(ctx) {
					return ctx.Err()
				}

				continue
			}
		}

		next, err := a.runSession(ctx, creds)
		if err != nil {
			a.log.WithError(err).Warn("Broker session ended")
		}

		a.rotateTo = next

		if ctx.Err() != nil {
			a.log.Info("Agent stopping")

			return ctx.Err()
		}

		if !a.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// sleep waits out the reconnect delay; false means the context ended.
func (a *Agent) sleep(ctx context.Context) bool {
	timer := time.NewTimer(a.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
