package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stashcraft.ai/internal/sim/model"
)

type Catalogs struct {
	Items   ItemCatalog
	Recipes RecipeCatalog
}

type ItemCatalog struct {
	Palette       []string
	Defs          map[string]ItemDef
	PaletteDigest string
	DefsDigest    string
}

type ItemDef struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
	MaxStack int      `json:"max_stack"`
}

type RecipeCatalog struct {
	ByID   map[string]RecipeDef
	Digest string
}

type RecipeDef struct {
	RecipeID string       `json:"recipe_id"`
	Inputs   []Ingredient `json:"inputs"`
	Outputs  []ItemCount  `json:"outputs"`
}

// Ingredient names either an item id or a tag every matching item carries.
type Ingredient struct {
	Item  string `json:"item,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Count int    `json:"count"`
}

type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadItems(filepath.Join(configDir, "items.json"), &c.Items); err != nil {
		return nil, err
	}
	if err := loadRecipes(filepath.Join(configDir, "recipes.json"), &c.Recipes, &c.Items); err != nil {
		return nil, err
	}
	return &c, nil
}

// Stack builds a stack of count units of item id.
func (ic *ItemCatalog) Stack(id string, count int) (*model.Stack, error) {
	d, ok := ic.Defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown item %q", id)
	}
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return &model.Stack{
		Item:     d.ID,
		Name:     name,
		Category: d.Category,
		Tags:     append([]string(nil), d.Tags...),
		MaxStack: d.MaxStack,
		Count:    count,
	}, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadItems(path string, out *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []ItemDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	out.Defs = map[string]ItemDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("items.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("items.json: duplicate id %q", d.ID)
		}
		if d.MaxStack <= 0 {
			d.MaxStack = 1
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func loadRecipes(path string, out *RecipeCatalog, items *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []RecipeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("recipes.json: %w", err)
	}
	out.ByID = map[string]RecipeDef{}
	for _, r := range defs {
		if r.RecipeID == "" {
			return fmt.Errorf("recipes.json: empty recipe_id")
		}
		if len(r.Inputs) == 0 {
			return fmt.Errorf("recipes.json: %s: no inputs", r.RecipeID)
		}
		for _, in := range r.Inputs {
			if (in.Item == "") == (in.Tag == "") || in.Count <= 0 {
				return fmt.Errorf("recipes.json: %s: input needs exactly one of item/tag and a positive count", r.RecipeID)
			}
			if in.Item != "" {
				if _, ok := items.Defs[in.Item]; !ok {
					return fmt.Errorf("recipes.json: %s: unknown input item %q", r.RecipeID, in.Item)
				}
			}
		}
		for _, o := range r.Outputs {
			if _, ok := items.Defs[o.Item]; !ok || o.Count <= 0 {
				return fmt.Errorf("recipes.json: %s: bad output %q", r.RecipeID, o.Item)
			}
		}
		out.ByID[r.RecipeID] = r
	}
	return nil
}
