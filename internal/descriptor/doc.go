// Package descriptor defines the declarative shapes of the functions, kits
// and chained agents an agent may call, and parses them from inline JSON or
// control-plane listings.
//
// A FunctionDescriptor with a non-empty Kit is a bundle: it is never called
// directly, each KitOperation is. Both key spellings seen in deployments are
// accepted for a function's name ("function" and "name").
package descriptor
