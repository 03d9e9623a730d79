// Package nodeauth issues long-lived node credentials and exchanges
// them for broker connection coordinates.
package nodeauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// ErrInvalidNodeToken is returned when exchange fails. Opaque: it does
// not distinguish a missing node from a wrong token.
var ErrInvalidNodeToken = errors.New("invalid node credentials")

// BrokerCredentials are the coordinates an agent uses to connect.
// ExpiresAt is nil in this version: credentials are shared and static,
// refreshed by the agent's exchange cadence. The schema reserves
// per-node rotation columns for a later version.
type BrokerCredentials struct {
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Service issues and exchanges node credentials.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
	mqtt  *config.MQTTConfig
}

// NewService creates the node-auth service.
func NewService(
	log logrus.FieldLogger, st store.Store, mqtt *config.MQTTConfig,
) *Service {
	return &Service{
		log:   log.WithField("component", "nodeauth"),
		store: st,
		mqtt:  mqtt,
	}
}

// CreateResult carries a new node and its one-time token plaintext.
type CreateResult struct {
	Node  *store.Node
	Token string
}

// CreateNode registers a node under a fresh ULID and mints its
// long-lived bearer. The plaintext is returned exactly once; only the
// SHA-256 digest is stored.
func (s *Service) CreateNode(ctx context.Context, name *string) (*CreateResult, error) {
	plaintext, hash, err := identity.RandomToken()
	if err != nil {
		return nil, err
	}

	node := &store.Node{
		ID:            ulid.Make().String(),
		Name:          name,
		AuthTokenHash: &hash,
	}

	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}

	s.log.WithField("node", node.ID).Info("Node registered")

	return &CreateResult{Node: node, Token: plaintext}, nil
}

// Exchange validates a node's long-lived bearer and returns broker
// coordinates. Unauthenticated: the token is the proof.
func (s *Service) Exchange(
	ctx context.Context, nodeID, nodeToken string,
) (*BrokerCredentials, error) {
	node, err := s.store.FindNodeByID(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidNodeToken
		}

		return nil, fmt.Errorf("loading node: %w", err)
	}

	if node.AuthTokenHash == nil {
		return nil, ErrInvalidNodeToken
	}

	presented := identity.HashToken(nodeToken)
	if subtle.ConstantTimeCompare(
		[]byte(presented), []byte(*node.AuthTokenHash),
	) != 1 {
		return nil, ErrInvalidNodeToken
	}

	return &BrokerCredentials{
		Host:     s.mqtt.Host,
		Port:     s.mqtt.Port,
		Username: s.mqtt.Username,
		Password: s.mqtt.Password,
	}, nil
}
