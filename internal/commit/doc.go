// Package commit decides which decoded tokens become final. Tokens whose
// evidence still falls within a trailing margin of the audio frontier are held
// back as a revisable pending hypothesis; committed tokens are never retracted.
package commit
