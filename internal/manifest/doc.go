// Package manifest loads the modpack manifest: the mod loader, the game
// version, the ordered list of desired mods and an optional remote manifest
// that is overlaid on the local one before a sync.
//
// Manifests are YAML documents. Because YAML is a superset of JSON, a
// modpack.json file with the same keys loads as well.
package manifest
