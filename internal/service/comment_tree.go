package service

import "github.com/noah-isme/gema-sync/internal/models"

// DefaultMaxReplyDepth is the deepest node that still offers a reply action.
const DefaultMaxReplyDepth = 2

// BuildTree turns a flat comment list into a forest.
//
// Input order is kept for roots and for siblings. The first occurrence of a
// duplicated id wins. A comment whose parent is absent, or names itself,
// becomes a root with its ParentID untouched. Comments caught in a parent
// cycle are promoted to roots in input order once everything reachable from
// a real root has been placed. The input is never modified.
func BuildTree(flat []models.Comment) []*models.Comment {
	nodes := make(map[string]*models.Comment, len(flat))
	order := make([]*models.Comment, 0, len(flat))
	for i := range flat {
		if _, dup := nodes[flat[i].ID]; dup {
			continue
		}
		node := flat[i]
		node.Replies = nil
		nodes[node.ID] = &node
		order = append(order, &node)
	}

	roots := make([]*models.Comment, 0)
	parents := make(map[string]*models.Comment, len(order))
	for _, node := range order {
		parent, ok := nodes[node.ParentID]
		if node.ParentID == "" || node.ParentID == node.ID || !ok {
			roots = append(roots, node)
			continue
		}
		parent.Replies = append(parent.Replies, node)
		parents[node.ID] = parent
	}

	visited := make(map[string]bool, len(order))
	for _, root := range roots {
		markReachable(root, visited)
	}
	for _, node := range order {
		if visited[node.ID] {
			continue
		}
		if parent := parents[node.ID]; parent != nil {
			parent.Replies = removeChild(parent.Replies, node.ID)
			delete(parents, node.ID)
		}
		roots = append(roots, node)
		markReachable(node, visited)
	}
	return roots
}

// Flatten lists the forest in pre-order. Replies are cleared and ParentID is
// kept, so BuildTree(Flatten(BuildTree(x))) equals BuildTree(x).
func Flatten(roots []*models.Comment) []models.Comment {
	out := make([]models.Comment, 0)
	var walk func(nodes []*models.Comment)
	walk = func(nodes []*models.Comment) {
		for _, node := range nodes {
			if node == nil {
				continue
			}
			flat := *node
			flat.Replies = nil
			out = append(out, flat)
			walk(node.Replies)
		}
	}
	walk(roots)
	return out
}

// CloneTree deep-copies a forest.
func CloneTree(roots []*models.Comment) []*models.Comment {
	out := make([]*models.Comment, 0, len(roots))
	for _, root := range roots {
		out = append(out, root.Clone())
	}
	return out
}

// FindComment searches depth-first and returns the node and its depth, where
// roots sit at depth 0.
func FindComment(roots []*models.Comment, id string) (*models.Comment, int, bool) {
	if id == "" {
		return nil, 0, false
	}
	for _, root := range roots {
		if node, depth, ok := findFrom(root, id, 0, make(map[*models.Comment]bool)); ok {
			return node, depth, true
		}
	}
	return nil, 0, false
}

// CanReply applies the nesting policy to a node depth.
func CanReply(depth, maxDepth int) bool {
	return depth < maxDepth
}

func findFrom(node *models.Comment, id string, depth int, seen map[*models.Comment]bool) (*models.Comment, int, bool) {
	if node == nil || seen[node] {
		return nil, 0, false
	}
	seen[node] = true
	if node.ID == id || (node.TempID != "" && node.TempID == id) {
		return node, depth, true
	}
	for _, reply := range node.Replies {
		if found, d, ok := findFrom(reply, id, depth+1, seen); ok {
			return found, d, true
		}
	}
	return nil, 0, false
}

func markReachable(node *models.Comment, visited map[string]bool) {
	if node == nil || visited[node.ID] {
		return
	}
	visited[node.ID] = true
	for _, reply := range node.Replies {
		markReachable(reply, visited)
	}
}

func removeChild(children []*models.Comment, id string) []*models.Comment {
	out := children[:0]
	for _, child := range children {
		if child.ID != id {
			out = append(out, child)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// removeFromTree detaches the node matching id wherever it sits.
func removeFromTree(roots []*models.Comment, id string) ([]*models.Comment, bool) {
	for i, root := range roots {
		if root.ID == id {
			return append(roots[:i:i], roots[i+1:]...), true
		}
	}
	for _, root := range roots {
		if removeDescendant(root, id) {
			return roots, true
		}
	}
	return roots, false
}

func removeDescendant(node *models.Comment, id string) bool {
	for i, reply := range node.Replies {
		if reply.ID == id {
			node.Replies = append(node.Replies[:i:i], node.Replies[i+1:]...)
			if len(node.Replies) == 0 {
				node.Replies = nil
			}
			return true
		}
		if removeDescendant(reply, id) {
			return true
		}
	}
	return false
}
