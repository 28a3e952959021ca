package cache

import "fmt"

// presence:room:{docID:X}        ZSet<userId, expireAtUnix>
// presence:room:names:{docID:X}  Hash<userId, username>
// presence:cursor:{docID:X}:U    last awareness payload of user U
// The {docID:X} hash tag keeps a document's keys on one cluster slot.
const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyRoomScan  = "presence:room:*"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
