// Package model evaluates the trained fraud classifier.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Node is one node of a flattened regression tree.
// A node with Leaf set is terminal; otherwise x[Feature] < Threshold goes
// to Yes, a NaN goes to Missing, anything else to No.
type Node struct {
	ID        int      `json:"id"`
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Yes       int      `json:"yes"`
	No        int      `json:"no"`
	Missing   int      `json:"missing"`
	Leaf      *float64 `json:"leaf,omitempty"`
}

// Tree contributes its leaf value to the margin of Class.
type Tree struct {
	Class int    `json:"class"`
	Nodes []Node `json:"nodes"`
}

// Artifact is the JSON model format exported by the training pipeline.
type Artifact struct {
	NumClass     int      `json:"num_class"`
	BaseScore    float64  `json:"base_score"`
	FeatureNames []string `json:"feature_names"`
	ClassNames   []string `json:"class_names,omitempty"`
	Trees        []Tree   `json:"trees"`
}

// TreeEnsemble is a gradient-boosted multiclass tree ensemble.
// It is immutable after Load and safe for concurrent use.
type TreeEnsemble struct {
	numClass  int
	baseScore float64
	trees     []Tree
	names     domain.FraudTypes
}

// Load reads and validates a model artifact.
func Load(path string) (*TreeEnsemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}

	return New(a)
}

// New validates a and builds the ensemble.
func New(a Artifact) (*TreeEnsemble, error) {
	if a.NumClass < 2 {
		return nil, fmt.Errorf("num_class must be at least 2, got %d", a.NumClass)
	}

	if len(a.FeatureNames) != domain.FeatureCount {
		return nil, fmt.Errorf("model expects %d features, engine provides %d", len(a.FeatureNames), domain.FeatureCount)
	}
	for i, name := range a.FeatureNames {
		if name != domain.FeatureColumns[i] {
			return nil, fmt.Errorf("feature %d is %q in model, %q in engine", i, name, domain.FeatureColumns[i])
		}
	}

	perClass := make([]int, a.NumClass)
	for i, tree := range a.Trees {
		if tree.Class < 0 || tree.Class >= a.NumClass {
			return nil, fmt.Errorf("tree %d: class %d out of range", i, tree.Class)
		}
		if err := checkTree(tree); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		perClass[tree.Class]++
	}
	for class, n := range perClass {
		if n == 0 {
			return nil, fmt.Errorf("class %d has no trees", class)
		}
	}

	names := domain.DefaultFraudTypes()
	if len(a.ClassNames) > 0 {
		if len(a.ClassNames) != a.NumClass {
			return nil, fmt.Errorf("class_names has %d entries, num_class is %d", len(a.ClassNames), a.NumClass)
		}
		names = make(domain.FraudTypes, len(a.ClassNames))
		for i, name := range a.ClassNames {
			names[domain.ClassCode(i)] = name
		}
	}

	return &TreeEnsemble{
		numClass:  a.NumClass,
		baseScore: a.BaseScore,
		trees:     a.Trees,
		names:     names,
	}, nil
}

func checkTree(tree Tree) error {
	n := len(tree.Nodes)
	if n == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, node := range tree.Nodes {
		if node.ID != i {
			return fmt.Errorf("node %d has id %d", i, node.ID)
		}
		if node.Leaf != nil {
			continue
		}
		if node.Feature < 0 || node.Feature >= domain.FeatureCount {
			return fmt.Errorf("node %d: feature %d out of range", i, node.Feature)
		}
		// Children must point forward so evaluation always terminates.
		for _, child := range []int{node.Yes, node.No, node.Missing} {
			if child <= i || child >= n {
				return fmt.Errorf("node %d: child %d out of range", i, child)
			}
		}
	}
	return nil
}

// Predict returns the class with the largest summed margin. Ties go to the
// lowest class.
func (m *TreeEnsemble) Predict(ctx context.Context, v domain.FeatureVector) (domain.ClassCode, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	margins := m.Margins(v)
	best := 0
	for class := 1; class < len(margins); class++ {
		if margins[class] > margins[best] {
			best = class
		}
	}
	return domain.ClassCode(best), nil
}

// Margins returns the raw per-class scores for v.
func (m *TreeEnsemble) Margins(v domain.FeatureVector) []float64 {
	margins := make([]float64, m.numClass)
	for i := range margins {
		margins[i] = m.baseScore
	}
	for _, tree := range m.trees {
		margins[tree.Class] += walk(tree.Nodes, v)
	}
	return margins
}

func walk(nodes []Node, v domain.FeatureVector) float64 {
	i := 0
	for {
		node := nodes[i]
		if node.Leaf != nil {
			return *node.Leaf
		}
		x := v[node.Feature]
		switch {
		case math.IsNaN(x):
			i = node.Missing
		case x < node.Threshold:
			i = node.Yes
		default:
			i = node.No
		}
	}
}

// NumClass returns the number of classes the model predicts.
func (m *TreeEnsemble) NumClass() int {
	return m.numClass
}

// FraudTypes returns the class names shipped with the model.
func (m *TreeEnsemble) FraudTypes() domain.FraudTypes {
	return m.names
}
