// Package command decides whether a guest's proposed service call may
// reach the upstream system. Security-critical: every check here is the
// only thing between an untrusted bearer-token holder and the whole
// installation, so the pipeline re-reads the live entity allowlist on
// every call instead of trusting the fan-out cache.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/audit"
	"github.com/dropDatabas3/hapass/internal/metrics"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/rate"
	"github.com/dropDatabas3/hapass/internal/store"
)

// Denial reasons. Each is a distinct user-visible outcome; handlers map
// them onto status codes with errors.Is.
var (
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrMalformedService  = errors.New("invalid service format")
	ErrEntityForbidden   = errors.New("entity not in allowlist")
	ErrDomainMismatch    = errors.New("service domain does not match entity")
	ErrServiceNotAllowed = errors.New("service not allowed for this domain")
)

// ErrUpstream marks a gateway failure: the command was authorized but the
// upstream call itself failed. Distinct from every denial above.
var ErrUpstream = errors.New("upstream service call failed")

// ErrLookupFailed marks an authorization check that could not run because
// the entity store failed. Fails closed, but the fault is ours, not the
// upstream's.
var ErrLookupFailed = errors.New("entity allowlist lookup failed")

// Service names are "domain.service" or a bare "service", lowercase
// letters and underscores only.
var serviceRe = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)?$`)

// Request is one guest command as it arrived on the wire.
type Request struct {
	EntityID string         `json:"entity_id"`
	Service  string         `json:"service"`
	Data     map[string]any `json:"data"`
}

// CallerMeta is attached to the audit record.
type CallerMeta struct {
	IP        string
	UserAgent string
}

// ServiceCaller forwards an authorized command upstream.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
}

type Pipeline struct {
	limiter  *rate.SlidingWindow
	entities store.EntitySource
	upstream ServiceCaller
	auditor  *audit.Recorder
	log      *zap.Logger

	rpm           int
	allowed       map[string]map[string]struct{}
	forbiddenKeys map[string]struct{}
}

// Config wires the pipeline. AllowedServices must never contain domains
// that execute arbitrary automations (script, scene, automation); the
// config loader enforces this.
type Config struct {
	CommandRPM        int
	AllowedServices   map[string][]string
	ForbiddenDataKeys []string
}

func NewPipeline(cfg Config, limiter *rate.SlidingWindow, entities store.EntitySource, upstream ServiceCaller, auditor *audit.Recorder) *Pipeline {
	allowed := make(map[string]map[string]struct{}, len(cfg.AllowedServices))
	for domain, services := range cfg.AllowedServices {
		set := make(map[string]struct{}, len(services))
		for _, s := range services {
			set[s] = struct{}{}
		}
		allowed[domain] = set
	}
	forbidden := make(map[string]struct{}, len(cfg.ForbiddenDataKeys))
	for _, k := range cfg.ForbiddenDataKeys {
		forbidden[k] = struct{}{}
	}
	return &Pipeline{
		limiter:       limiter,
		entities:      entities,
		upstream:      upstream,
		auditor:       auditor,
		log:           logger.Named("command"),
		rpm:           cfg.CommandRPM,
		allowed:       allowed,
		forbiddenKeys: forbidden,
	}
}

// Execute runs the ordered policy and forwards the scrubbed command. The
// caller has already verified the token itself (not revoked, not expired,
// IP allowed); tokenID identifies it.
//
// Check order matters: rate limiting first bounds attacker cost cheaply,
// structural validation precedes the ownership lookup, and ownership is
// checked before domain/service rules so a caller can't probe which
// services exist on entities they don't own.
func (p *Pipeline) Execute(ctx context.Context, tokenID string, req Request, meta CallerMeta) (json.RawMessage, error) {
	if !p.limiter.Check(tokenID, p.rpm) {
		metrics.CommandsTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	if !serviceRe.MatchString(req.Service) {
		metrics.CommandsTotal.WithLabelValues("malformed").Inc()
		return nil, ErrMalformedService
	}

	// Live allowlist, not the fan-out cache: cache staleness must never
	// grant authorization.
	entityIDs, err := p.entities.GetTokenEntities(ctx, tokenID)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		p.log.Error("entity allowlist lookup failed", logger.TokenID(tokenID), logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if !contains(entityIDs, req.EntityID) {
		metrics.CommandsTotal.WithLabelValues("forbidden_entity").Inc()
		return nil, ErrEntityForbidden
	}

	entityDomain, _, _ := strings.Cut(req.EntityID, ".")

	svcName := req.Service
	if svcDomain, rest, qualified := strings.Cut(req.Service, "."); qualified {
		if svcDomain != entityDomain {
			metrics.CommandsTotal.WithLabelValues("domain_mismatch").Inc()
			return nil, ErrDomainMismatch
		}
		svcName = rest
	}

	allowedSvc, ok := p.allowed[entityDomain]
	if !ok {
		metrics.CommandsTotal.WithLabelValues("service_not_allowed").Inc()
		return nil, ErrServiceNotAllowed
	}
	if _, ok := allowedSvc[svcName]; !ok {
		metrics.CommandsTotal.WithLabelValues("service_not_allowed").Inc()
		return nil, ErrServiceNotAllowed
	}

	// Scrub, then pin. Whatever targeting keys the caller supplied, the
	// forwarded payload addresses exactly the validated entity.
	data := make(map[string]any, len(req.Data)+1)
	for k, v := range req.Data {
		if _, forbidden := p.forbiddenKeys[k]; forbidden {
			continue
		}
		data[k] = v
	}
	data["entity_id"] = req.EntityID

	result, err := p.upstream.CallService(ctx, entityDomain, svcName, data)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("upstream_error").Inc()
		p.log.Warn("upstream call failed",
			logger.TokenID(tokenID), logger.EntityID(req.EntityID), logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	metrics.CommandsTotal.WithLabelValues("ok").Inc()
	p.auditor.Record(ctx, store.AccessEntry{
		TokenID:   tokenID,
		EventType: "command",
		EntityID:  req.EntityID,
		Service:   req.Service,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	return result, nil
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
