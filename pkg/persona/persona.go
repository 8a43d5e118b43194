package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// SceneNameMap translates the English scene-dimension vocabulary the
// orchestrator works with into the native labels the contextual-style
// config is keyed by.
var SceneNameMap = map[string]string{
	"morning":   "上午",
	"afternoon": "下午",
	"evening":   "晚上",
	"group":     "群聊",
	"private":   "私聊",
}

// mapScene translates an English scene token if known, else returns it
// unchanged (native labels pass through untouched).
func mapScene(s string) string {
	if native, ok := SceneNameMap[s]; ok {
		return native
	}
	return s
}

// Retriever resolves persona snippets: direct structured lookup over
// in-memory configuration, with vector search as a fallback and
// self-healing rebuild on index corruption.
type Retriever struct {
	extendedCfg map[string]any
	contextual  ContextualPersona

	extendedEntries   []Entry
	contextualEntries []Entry

	extended   *index
	contextualIdx *index

	log zerolog.Logger
}

// NewRetriever opens (or creates) the two vector collections at
// dbPath and indexes the supplied configuration.
func NewRetriever(ctx context.Context, dbPath string, extendedCfg map[string]any, contextual ContextualPersona, embed Embedder, log zerolog.Logger) (*Retriever, error) {
	db, err := openSharedDB(dbPath)
	if err != nil {
		return nil, err
	}
	extIdx, err := openIndex(ctx, db, "extended_persona", embed, log.With().Str("collection", "extended_persona").Logger())
	if err != nil {
		return nil, err
	}
	ctxIdx, err := openIndex(ctx, db, "contextual_persona", embed, log.With().Str("collection", "contextual_persona").Logger())
	if err != nil {
		return nil, err
	}

	r := &Retriever{
		extendedCfg:       extendedCfg,
		contextual:        contextual,
		extendedEntries:   FlattenExtendedPersona(extendedCfg),
		contextualEntries: FlattenContextualPersona(contextual),
		extended:          extIdx,
		contextualIdx:       ctxIdx,
		log:               log.With().Str("component", "persona").Logger(),
	}
	if err := r.reindexAll(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Retriever) reindexAll(ctx context.Context) error {
	if err := r.extended.rebuild(ctx, "extended_persona", r.extendedEntries, encodeExtendedTags); err != nil {
		return fmt.Errorf("persona: index extended: %w", err)
	}
	if err := r.contextualIdx.rebuild(ctx, "contextual_persona", r.contextualEntries, encodeContextualTags); err != nil {
		return fmt.Errorf("persona: index contextual: %w", err)
	}
	return nil
}

func encodeExtendedTags(tags map[string]string) string {
	return tags["persona_category"] + "/" + tags["persona_subcategory"] + "/" + tags["persona_key"]
}

func encodeContextualTags(tags map[string]string) string {
	return tags["persona_type"] + ":" + tags["comprehensive_key"]
}

// SearchExtendedPersona retrieves the k extended-persona snippets most
// relevant to query via vector search (the original config has no
// natural free-text key to look up directly against).
func (r *Retriever) SearchExtendedPersona(ctx context.Context, query string, k int) ([]string, error) {
	results, err := r.extended.search(ctx, query, k)
	if err == nil {
		return results, nil
	}
	if errors.Is(err, ErrIndexCorrupt) {
		r.log.Error().Err(err).Msg("persona: extended index corrupt, rebuilding")
		if rebuildErr := r.extended.rebuild(ctx, "extended_persona", r.extendedEntries, encodeExtendedTags); rebuildErr != nil {
			r.log.Error().Err(rebuildErr).Msg("persona: extended rebuild failed")
			return nil, nil
		}
		results, err = r.extended.search(ctx, query, k)
		if err != nil {
			return nil, nil
		}
		return results, nil
	}
	return nil, nil
}

// SearchContextualPersona is the vector-only counterpart of
// SearchExtendedPersona, used as StyleLookup's fallback.
func (r *Retriever) SearchContextualPersona(ctx context.Context, query string, k int) ([]string, error) {
	results, err := r.contextualIdx.search(ctx, query, k)
	if err == nil {
		return results, nil
	}
	if errors.Is(err, ErrIndexCorrupt) {
		r.log.Error().Err(err).Msg("persona: contextual index corrupt, rebuilding")
		if rebuildErr := r.contextualIdx.rebuild(ctx, "contextual_persona", r.contextualEntries, encodeContextualTags); rebuildErr != nil {
			r.log.Error().Err(rebuildErr).Msg("persona: contextual rebuild failed")
			return nil, nil
		}
		results, err = r.contextualIdx.search(ctx, query, k)
		if err != nil {
			return nil, nil
		}
		return results, nil
	}
	return nil, nil
}

// SearchPersona retrieves from both collections and concatenates
// extended results followed by contextual results.
func (r *Retriever) SearchPersona(ctx context.Context, query string, k int) ([]string, error) {
	extended, _ := r.SearchExtendedPersona(ctx, query, k)
	contextual, _ := r.SearchContextualPersona(ctx, query, k)
	return append(extended, contextual...), nil
}

// StyleLookup resolves a speech-style snippet for the given emotion,
// relation, and scene (English scene/relation tokens are mapped to
// native labels first). Direct lookup into the structured config is
// preferred; vector search over the contextual collection is the
// fallback.
func (r *Retriever) StyleLookup(ctx context.Context, emotion, relation, scene string) string {
	emotion, relation, scene = mapScene(emotion), mapScene(relation), mapScene(scene)

	if emotion != "" && relation != "" && scene != "" {
		key := strings.Join([]string{emotion, relation, scene}, "-")
		if details, ok := r.contextual.ComprehensiveStyles[key]; ok {
			return formatStyle("综合说话风格", key, details)
		}
	}
	if scene != "" {
		if details, ok := r.contextual.SceneStyles[scene]; ok {
			return formatStyle("场景说话风格", scene, details)
		}
	}
	if relation != "" {
		if details, ok := r.contextual.RelationStyles[relation]; ok {
			return formatStyle("关系说话风格", relation, details)
		}
	}
	if emotion != "" {
		if details, ok := r.contextual.EmotionStyles[emotion]; ok {
			return formatStyle("情绪说话风格", emotion, details)
		}
	}

	query := strings.TrimSpace(strings.Join([]string{emotion, relation, scene}, " "))
	if query == "" {
		return ""
	}
	results, err := r.SearchContextualPersona(ctx, query, 1)
	if err != nil || len(results) == 0 {
		return ""
	}
	return results[0]
}
