// Package css implements the DVD Content Scramble System session: drive
// authentication, disc and title key recovery, and sector descrambling.
//
// An Engine is bound to one Device for one disc. It walks the states
// Closed, Authenticated, KeyObtained and Ready; any authentication or key
// failure moves it to Broken and a new Engine is required to retry. Keys are
// cached per title for the life of the Engine and never written anywhere.
//
// The key exchange and stream cipher sit behind the Cipher interface. The
// bundled LFSRCipher is a two register (17 and 25 bit) keystream generator
// without the licensed substitution tables.
package css
