// Package errors provides standardized error handling for the overlay builder.
//
// # Classification
//
// Every error falls into one of three classes that drive handling decisions:
//
//   - Transient: timeouts, lost connections, open circuit breakers (retry)
//   - Invalid: bad input, rejected canvas mutations, version conflicts (do not retry)
//   - Fatal: corrupted data, exhausted resources, fatal block failures (stop)
//
// Wrap third-party errors with component context:
//
//	if err := kv.Put(ctx, key, data); err != nil {
//	    return errors.WrapTransient(err, "canvasstore", "Save", "put to KV")
//	}
//
// # Overlay errors
//
// Canvas mutations, validation and simulation return *OverlayError, which
// carries a Kind, a human readable message, the offending block or
// connection id and suggestions an editor can show next to the element:
//
//	err := errors.NewOverlayError(errors.KindTypeMismatch,
//	    "output %s is %s but input %s expects %s", out, outType, in, inType).
//	    WithConnection(connID).
//	    WithSuggestions("Insert a transformer that produces " + inType)
//
// Match kinds with the standard library:
//
//	if stderrors.Is(err, errors.ErrTypeMismatch) { ... }
//	if errors.KindOf(err) == errors.KindNotFound { ... }
//
// Pre-execution kinds (structural, type_mismatch, multiplicity,
// circular_dependency, constraint_violation, parameter_validation,
// not_found) classify as ErrorInvalid. A runtime block error from a fatal
// block class classifies as ErrorFatal.
package errors
