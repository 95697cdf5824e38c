// Package locate resolves the managed application's project root.
//
// A root is any directory containing the manifest file (package.json by
// default). The same launcher binary runs from a development tree, where the
// manifest sits a few directories above the executable, and from a packaged
// layout, where resources live in a dedicated bundle directory. Rather than
// asking the operator which layout is in use, the Locator tries an ordered
// list of strategies and returns the first match:
//
//  1. the bundled-resource directory, when a hint is supplied
//  2. the executable's directory and its ancestors, up to MaxDepth levels
//  3. the current working directory
//
// Strategies only read the filesystem. A missing or unreadable executable
// path simply makes the walk strategy yield nothing.
package locate
