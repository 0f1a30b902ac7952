package coordination

import "path"

// Node layout under the store root:
//
//	<root>/engines/<engine-id>   serialized engine record, one per engine
//	<root>/locks/<engine-id>/    per-engine lock (ephemeral sequential nodes)

// EnginesPath is the namespace node holding one child per engine.
func EnginesPath(root string) string {
	return path.Join(root, "engines")
}

// EngineNodePath is the node holding one engine's record.
func EngineNodePath(root, engineID string) string {
	return path.Join(root, "engines", engineID)
}

// LockPath is the per-engine lock node.
func LockPath(root, engineID string) string {
	return path.Join(root, "locks", engineID)
}
