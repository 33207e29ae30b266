// Package gate implements a time-bound rate-limit counter built on a
// sliding window of fixed-size granular frames. A named Gate partitions a
// bounded time interval (the window) into equal sub-intervals (frames);
// each frame accumulates integer contributions during its validity period.
//
// The gate enforces two optional ceilings - a per-frame limit and a
// whole-window limit - and exposes imperative, scope-guarded, and
// decorator-style update forms. Three interchangeable storage backends
// provide the same atomicity and persistence guarantees through radically
// different primitives: an in-process mutex, a flock-guarded shared-memory
// region for sibling processes, and a Redis-scripted distributed store.
package gate
