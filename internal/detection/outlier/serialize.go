package outlier

import "encoding/json"

// serializedTree is a flat, array-indexed encoding of an isolationTree so
// a fitted forest can round-trip through profile.ModelHandle.ModelBlob.
// Index 0 is always the root; -1 marks "no child".
type serializedTree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Size      []int     `json:"size"`
	Leaf      []bool    `json:"leaf"`
}

func flattenTree(root *isolationTree) serializedTree {
	var st serializedTree
	var visit func(t *isolationTree) int
	visit = func(t *isolationTree) int {
		idx := len(st.Leaf)
		st.Feature = append(st.Feature, t.feature)
		st.Threshold = append(st.Threshold, t.threshold)
		st.Size = append(st.Size, t.size)
		st.Leaf = append(st.Leaf, t.leaf)
		st.Left = append(st.Left, -1)
		st.Right = append(st.Right, -1)
		if !t.leaf {
			st.Left[idx] = visit(t.left)
			st.Right[idx] = visit(t.right)
		}
		return idx
	}
	visit(root)
	return st
}

func unflattenTree(st serializedTree) *isolationTree {
	if len(st.Leaf) == 0 {
		return &isolationTree{leaf: true}
	}
	nodes := make([]*isolationTree, len(st.Leaf))
	for i := range nodes {
		nodes[i] = &isolationTree{
			feature:   st.Feature[i],
			threshold: st.Threshold[i],
			size:      st.Size[i],
			leaf:      st.Leaf[i],
		}
	}
	for i := range nodes {
		if st.Left[i] >= 0 {
			nodes[i].left = nodes[st.Left[i]]
		}
		if st.Right[i] >= 0 {
			nodes[i].right = nodes[st.Right[i]]
		}
	}
	return nodes[0]
}

// MarshalBlob encodes the forest into a persistable byte slice.
func (f *IsolationForest) MarshalBlob() ([]byte, error) {
	cp := *f
	cp.SerializedTrees = make([]serializedTree, len(f.Trees))
	for i, t := range f.Trees {
		cp.SerializedTrees[i] = flattenTree(t)
	}
	return json.Marshal(cp)
}

// UnmarshalForest decodes a forest previously produced by MarshalBlob.
func UnmarshalForest(blob []byte) (*IsolationForest, error) {
	var f IsolationForest
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, err
	}
	f.Trees = make([]*isolationTree, len(f.SerializedTrees))
	for i, st := range f.SerializedTrees {
		f.Trees[i] = unflattenTree(st)
	}
	f.SerializedTrees = nil
	return &f, nil
}
