// Package router orchestrates one retrieval request: scene weight
// resolution, recent-session lookup, hybrid search, composite scoring,
// filtering, and scene-specific reordering.
package router

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow-ai/memflow/memory/decay"
	"github.com/memflow-ai/memflow/memory/search"
	"github.com/memflow-ai/memflow/memory/session"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

// Scene classifies the conversational situation a retrieval serves.
type Scene string

const (
	SceneTask             Scene = "task"
	SceneChat             Scene = "chat"
	SceneFirstInteraction Scene = "first_interaction"
	SceneRecall           Scene = "recall"
	SceneLearning         Scene = "learning"
	SceneProblemSolving   Scene = "problem_solving"
	SceneCreative         Scene = "creative"
)

// sceneWeights maps each scene to its composite weight triple. Every
// triple sums to 1.0. Unknown scenes use the chat profile.
var sceneWeights = map[Scene]decay.Weights{
	SceneTask:             {Importance: 0.2, Time: 0.1, Relevance: 0.7},
	SceneChat:             {Importance: 0.3, Time: 0.3, Relevance: 0.4},
	SceneFirstInteraction: {Importance: 0.5, Time: 0.1, Relevance: 0.4},
	SceneRecall:           {Importance: 0.3, Time: 0.2, Relevance: 0.5},
	SceneLearning:         {Importance: 0.4, Time: 0.2, Relevance: 0.4},
	SceneProblemSolving:   {Importance: 0.3, Time: 0.1, Relevance: 0.6},
	SceneCreative:         {Importance: 0.2, Time: 0.3, Relevance: 0.5},
}

// WeightsFor resolves a scene's weight profile.
func WeightsFor(scene Scene) decay.Weights {
	if w, ok := sceneWeights[scene]; ok {
		return w
	}
	return sceneWeights[SceneChat]
}

const (
	// DefaultMaxMemories caps a routing result.
	DefaultMaxMemories = 10

	// HighPriorityThreshold and MinScoreThreshold gate candidates into
	// the result set.
	HighPriorityThreshold = 0.8
	MinScoreThreshold     = 0.3

	// firstInteractionMultiplier lifts every score when an agent meets
	// a user for the first time.
	firstInteractionMultiplier = 1.2

	// sessionRecentLimit bounds the recent-session lookup.
	sessionRecentLimit = 30
)

// Reasons a memory made it into the result.
const (
	ReasonSession      = "session"
	ReasonPermanent    = "permanent"
	ReasonHighPriority = "high_priority"
	ReasonScore        = "score"
	ReasonMentioned    = "mentioned"
)

// RelatedCounter reports how many active memories reference the given
// one. Used for the optional network-effect boost.
type RelatedCounter interface {
	ActiveRelated(ctx context.Context, namespace string, id int64) (int, error)
}

// MentionDetector decides whether a query explicitly refers to a
// memory, which admits it past the score filters.
type MentionDetector interface {
	Mentioned(query string, rec *types.MemoryRecord) bool
}

type noRelated struct{}

func (noRelated) ActiveRelated(context.Context, string, int64) (int, error) { return 0, nil }

type noMentions struct{}

func (noMentions) Mentioned(string, *types.MemoryRecord) bool { return false }

// Options narrows one routing request.
type Options struct {
	Kind  types.MemoryKind `json:"kind,omitempty"`
	Tags  []string         `json:"tags,omitempty"`
	Limit int              `json:"limit,omitempty"`

	// ContextScore feeds the relevance formula; callers that track
	// conversational context pass their own estimate, others leave 0.
	ContextScore float64 `json:"context_score,omitempty"`
}

// ScoredMemory is one routed result with its score breakdown.
type ScoredMemory struct {
	Record     types.MemoryRecord `json:"record"`
	FinalScore float64            `json:"final_score"`
	TimeScore  float64            `json:"time_score"`
	Relevance  float64            `json:"relevance"`
	Source     string             `json:"source"`
	Reason     string             `json:"reason"`
}

// RoutingResult is the full answer to one retrieval request, including
// the applied weights and a rule trace for observability.
type RoutingResult struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id,omitempty"`
	Scene     Scene          `json:"scene"`
	Weights   decay.Weights  `json:"weights"`
	Memories  []ScoredMemory `json:"memories"`
	Fallback  bool           `json:"fallback"`
	Rules     []string       `json:"rules"`
}

// Config tunes the router.
type Config struct {
	MaxMemories int `json:"max_memories" yaml:"max_memories"`
}

// Router routes retrieval requests. Tracker, related counter, and
// mention detector are optional.
type Router struct {
	store    *store.Store
	engine   *search.Engine
	calc     *decay.Calculator
	tracker  session.Tracker
	related  RelatedCounter
	mentions MentionDetector
	config   Config
	logger   *zap.Logger
}

// New creates a Router. Pass nil for tracker, related, or mentions to
// disable the corresponding behavior.
func New(s *store.Store, engine *search.Engine, calc *decay.Calculator, tracker session.Tracker, related RelatedCounter, mentions MentionDetector, config Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = decay.NewCalculator(nil)
	}
	if related == nil {
		related = noRelated{}
	}
	if mentions == nil {
		mentions = noMentions{}
	}
	if config.MaxMemories <= 0 {
		config.MaxMemories = DefaultMaxMemories
	}
	return &Router{
		store:    s,
		engine:   engine,
		calc:     calc,
		tracker:  tracker,
		related:  related,
		mentions: mentions,
		config:   config,
		logger:   logger.With(zap.String("component", "memory_router")),
	}
}

// Route answers one retrieval request. A hybrid-search failure degrades
// to whatever the session lookup produced; the request itself never
// fails because a collaborator is down.
func (r *Router) Route(ctx context.Context, namespace, query, sessionID string, scene Scene, opts Options) (*RoutingResult, error) {
	if err := store.ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	weights := WeightsFor(scene)
	limit := opts.Limit
	if limit <= 0 || limit > r.config.MaxMemories {
		limit = r.config.MaxMemories
	}

	result := &RoutingResult{
		Query:     query,
		SessionID: sessionID,
		Scene:     scene,
		Weights:   weights,
		Rules:     []string{"scene:" + string(sceneOrDefault(scene))},
	}

	seen := make(map[int64]bool)

	// Recent-session memories bypass the score filters entirely.
	if r.tracker != nil && sessionID != "" {
		recent, err := r.recentSession(ctx, namespace, sessionID)
		if err != nil {
			r.logger.Warn("session lookup unavailable",
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else if len(recent) > 0 {
			result.Rules = append(result.Rules, "session_recall")
			for i := range recent {
				rec := recent[i]
				if !r.matchesOptions(&rec, opts) {
					continue
				}
				relevance := r.relevance(ctx, namespace, &rec, query, opts, search.KeywordScore(rec.Content, query))
				result.Memories = append(result.Memories, ScoredMemory{
					Record:     rec,
					FinalScore: r.calc.CompositeScore(&rec, relevance, weights),
					TimeScore:  r.calc.TimeScore(&rec),
					Relevance:  relevance,
					Source:     "session",
					Reason:     ReasonSession,
				})
				seen[rec.ID] = true
			}
		}
	}

	candidates, fallback := r.searchCandidates(ctx, namespace, query, limit, opts)
	result.Fallback = fallback
	if fallback {
		result.Rules = append(result.Rules, "keyword_fallback")
	}

	for i := range candidates {
		rec := &candidates[i].Record
		if seen[rec.ID] || !r.matchesOptions(rec, opts) {
			continue
		}
		relevance := r.relevance(ctx, namespace, rec, query, opts, candidates[i].Score)
		final := r.calc.CompositeScore(rec, relevance, weights)

		reason := ""
		switch {
		case rec.Permanent:
			reason = ReasonPermanent
		case final >= HighPriorityThreshold:
			reason = ReasonHighPriority
		case final >= MinScoreThreshold:
			reason = ReasonScore
		case r.mentions.Mentioned(query, rec):
			reason = ReasonMentioned
		default:
			continue
		}

		result.Memories = append(result.Memories, ScoredMemory{
			Record:     *rec,
			FinalScore: final,
			TimeScore:  r.calc.TimeScore(rec),
			Relevance:  relevance,
			Source:     candidates[i].Source,
			Reason:     reason,
		})
		seen[rec.ID] = true
	}

	r.reorder(scene, result)
	if len(result.Memories) > limit {
		result.Memories = result.Memories[:limit]
	}

	r.rememberRouted(ctx, sessionID, result)

	r.logger.Debug("route complete",
		zap.String("namespace", namespace),
		zap.String("scene", string(scene)),
		zap.Int("memories", len(result.Memories)),
		zap.Bool("fallback", result.Fallback))
	return result, nil
}

func sceneOrDefault(scene Scene) Scene {
	if _, ok := sceneWeights[scene]; ok {
		return scene
	}
	return SceneChat
}

func (r *Router) recentSession(ctx context.Context, namespace, sessionID string) ([]types.MemoryRecord, error) {
	ids, err := r.tracker.Recent(ctx, sessionID, sessionRecentLimit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return r.store.GetMany(ctx, namespace, ids)
}

// searchCandidates runs hybrid search. Any failure degrades to an empty
// candidate list with the fallback flag set.
func (r *Router) searchCandidates(ctx context.Context, namespace, query string, limit int, opts Options) ([]search.Result, bool) {
	if r.engine == nil || strings.TrimSpace(query) == "" {
		return nil, true
	}
	resp, err := r.engine.Search(ctx, namespace, query, search.Options{Limit: limit * 2})
	if err != nil {
		r.logger.Warn("hybrid search failed, serving session results only",
			zap.String("namespace", namespace),
			zap.Error(err))
		return nil, true
	}
	return resp.Results, resp.Fallback
}

func (r *Router) matchesOptions(rec *types.MemoryRecord, opts Options) bool {
	if opts.Kind != "" && rec.Kind != opts.Kind {
		return false
	}
	for _, tag := range opts.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	return true
}

// relevance folds semantic similarity, caller context, and literal
// keyword hits, then applies the network-effect boost.
func (r *Router) relevance(ctx context.Context, namespace string, rec *types.MemoryRecord, query string, opts Options, semantic float64) float64 {
	if semantic > 1 {
		semantic = 1
	}
	base := decay.RelevanceScore(semantic, opts.ContextScore, keywordMatches(rec.Content, query))

	active, err := r.related.ActiveRelated(ctx, namespace, rec.ID)
	if err != nil {
		r.logger.Warn("related counter unavailable", zap.Error(err))
		return base
	}
	return decay.NetworkBoost(base, active)
}

// keywordMatches counts how many query terms occur in the content.
func keywordMatches(content, query string) int {
	content = strings.ToLower(content)
	matches := 0
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(content, term) {
			matches++
		}
	}
	return matches
}

// reorder applies the scene-specific pass: task sorts purely by the
// relevance component, first_interaction lifts every score 20%, and
// everything else sorts by final score.
func (r *Router) reorder(scene Scene, result *RoutingResult) {
	if scene == SceneFirstInteraction {
		result.Rules = append(result.Rules, "first_interaction_boost")
		for i := range result.Memories {
			boosted := result.Memories[i].FinalScore * firstInteractionMultiplier
			if boosted > 1.0 {
				boosted = 1.0
			}
			result.Memories[i].FinalScore = boosted
		}
	}

	memories := result.Memories
	if scene == SceneTask {
		result.Rules = append(result.Rules, "task_relevance_order")
		sort.SliceStable(memories, func(i, j int) bool {
			if memories[i].Relevance != memories[j].Relevance {
				return memories[i].Relevance > memories[j].Relevance
			}
			return memories[i].Record.ID < memories[j].Record.ID
		})
		return
	}
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].FinalScore != memories[j].FinalScore {
			return memories[i].FinalScore > memories[j].FinalScore
		}
		return memories[i].Record.ID < memories[j].Record.ID
	})
}

// rememberRouted records the returned ids as touched, best effort.
func (r *Router) rememberRouted(ctx context.Context, sessionID string, result *RoutingResult) {
	if r.tracker == nil || sessionID == "" {
		return
	}
	for i := len(result.Memories) - 1; i >= 0; i-- {
		if err := r.tracker.Touch(ctx, sessionID, result.Memories[i].Record.ID); err != nil {
			r.logger.Warn("session touch failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
	}
}
