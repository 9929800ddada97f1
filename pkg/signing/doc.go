/*
Package signing holds the ed25519 keypair build workers use to sign
packages before the repository manager adds them to the database.

The coordinator never signs anything itself: it only generates the
keypair on first run (via ssh-keygen, the external process of record)
and serves the private key to whichever worker container GET /key's
hostname header authenticates as: hold and hand out the key, nothing
more.
*/
package signing
