// Package persona implements the persona retriever: two dedicated
// vector collections for extended-persona facts and contextual speech
// styles, kept separate from episodic memory so memory prune and
// consolidation jobs never touch persona data, with direct structured
// lookup preferred over vector search.
package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Entry is one flattened, indexable persona document.
type Entry struct {
	Text string
	Tags map[string]string // e.g. persona_category/persona_subcategory/persona_key, or emotion/relation/scene
}

// FlattenExtendedPersona walks a nested configuration (category →
// subcategory → key → value, with lists joined by ", ") into entries
// of the form "<category> - <subcategory> - <key>: <value>".
func FlattenExtendedPersona(cfg map[string]any) []Entry {
	var entries []Entry
	categories := sortedKeys(cfg)
	for _, category := range categories {
		details := cfg[category]
		switch d := details.(type) {
		case map[string]any:
			subs := sortedKeys(d)
			for _, sub := range subs {
				subDetails := d[sub]
				switch sd := subDetails.(type) {
				case map[string]any:
					keys := sortedKeys(sd)
					for _, key := range keys {
						text := fmt.Sprintf("%s - %s - %s: %s", category, sub, key, stringifyValue(sd[key]))
						entries = append(entries, Entry{
							Text: text,
							Tags: map[string]string{
								"persona_category":    category,
								"persona_subcategory": sub,
								"persona_key":         key,
							},
						})
					}
				case []any:
					text := fmt.Sprintf("%s - %s: %s", category, sub, joinAny(sd))
					entries = append(entries, Entry{
						Text: text,
						Tags: map[string]string{"persona_category": category, "persona_subcategory": sub},
					})
				default:
					text := fmt.Sprintf("%s - %s: %s", category, sub, stringifyValue(sd))
					entries = append(entries, Entry{
						Text: text,
						Tags: map[string]string{"persona_category": category, "persona_subcategory": sub},
					})
				}
			}
		default:
			text := fmt.Sprintf("%s: %s", category, stringifyValue(d))
			entries = append(entries, Entry{Text: text, Tags: map[string]string{"persona_category": category}})
		}
	}
	return entries
}

// ContextualPersona mirrors contextual_persona.json's four top-level
// dimensions: per-emotion, per-relation, per-scene, and per
// "emotion-relation-scene" comprehensive triples, each mapping to a
// flat key→value style description.
type ContextualPersona struct {
	EmotionStyles        map[string]map[string]string `json:"情绪维度"`
	RelationStyles        map[string]map[string]string `json:"关系维度"`
	SceneStyles            map[string]map[string]string `json:"场景维度"`
	ComprehensiveStyles    map[string]map[string]string `json:"综合场景"`
}

// FlattenContextualPersona builds the four style-category entry
// lists, each tagged with persona_type plus its dimension key(s).
func FlattenContextualPersona(c ContextualPersona) []Entry {
	var entries []Entry

	for _, emotion := range sortedKeysS(c.EmotionStyles) {
		entries = append(entries, Entry{
			Text: formatStyle("情绪说话风格", emotion, c.EmotionStyles[emotion]),
			Tags: map[string]string{"persona_type": "emotion_style", "emotion": emotion},
		})
	}
	for _, relation := range sortedKeysS(c.RelationStyles) {
		entries = append(entries, Entry{
			Text: formatStyle("关系说话风格", relation, c.RelationStyles[relation]),
			Tags: map[string]string{"persona_type": "relation_style", "relation": relation},
		})
	}
	for _, scene := range sortedKeysS(c.SceneStyles) {
		entries = append(entries, Entry{
			Text: formatStyle("场景说话风格", scene, c.SceneStyles[scene]),
			Tags: map[string]string{"persona_type": "scene_style", "scene": scene},
		})
	}
	for _, sceneKey := range sortedKeysS(c.ComprehensiveStyles) {
		parts := strings.Split(sceneKey, "-")
		if len(parts) != 3 {
			continue // malformed comprehensive key
		}
		entries = append(entries, Entry{
			Text: formatStyle("综合说话风格", sceneKey, c.ComprehensiveStyles[sceneKey]),
			Tags: map[string]string{
				"persona_type":      "comprehensive_style",
				"emotion":           parts[0],
				"relation":          parts[1],
				"scene":             parts[2],
				"comprehensive_key": sceneKey,
			},
		})
	}
	return entries
}

func formatStyle(label, key string, details map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "【%s - %s】", label, key)
	for _, k := range sortedKeys(stringMapToAny(details)) {
		fmt.Fprintf(&b, "\n%s: %s", k, details[k])
	}
	return b.String()
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		return joinAny(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func joinAny(items []any) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = stringifyValue(it)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysS(m map[string]map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
