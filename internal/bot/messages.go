package bot

// =============================================================================
// General messages
// =============================================================================

const (
	MsgUnexpectedErr = `Unexpected error: %s`
	MsgStartPrompt   = `
		Hi! I turn photos into marketplace listings.

		/bulk starts a bulk session (add ` + "`general`" + ` for non-Facebook listings).
		Send photos, one album per item. /new starts the next item.
		/process generates the listings, /status shows progress.
		/listings shows your latest listings and /export sends a spreadsheet.`
)

// =============================================================================
// Admin command messages
// =============================================================================

const (
	MsgAdminUsage           = "Usage:\n`/admin users add <user_id>`\n`/admin users remove <user_id>`\n`/admin users list`"
	MsgAdminUserAddUsage    = "Usage: `/admin users add <user_id>`"
	MsgAdminUserRemoveUsage = "Usage: `/admin users remove <user_id>`"
	MsgAdminUserInvalidID   = "Invalid user id, expected a number."
	MsgAdminUserAdded       = "✅ User `%d` added."
	MsgAdminUserRemoved     = "✅ User `%d` removed."
	MsgAdminNoUsers         = "No allowed users."
	MsgAdminAllowedUsers    = "*Allowed users:*\n"
)

// =============================================================================
// Bulk session messages
// =============================================================================

const (
	MsgBulkStarted = `
		*Bulk session started* (%s)

		Send photos of your items. An album becomes one item, single photos are added to the current item.
		Use /new to start the next item and /process when you are done.`
	MsgBulkAlreadyActive   = "A bulk session is already active. Use /done to end it first."
	MsgBulkNotActive       = "No bulk session. Start one with /bulk."
	MsgBulkInvalidType     = "Unknown listing type. Use `/bulk fb` or `/bulk general`."
	MsgBulkNewItem         = "Ok, the next photo starts item %d."
	MsgBulkItemPhotos      = "Item %d: %s."
	MsgBulkPhotoCapped     = "Item %d already has %d photos, the rest were skipped."
	MsgBulkPhotoFailed     = "Could not use a photo: %s"
	MsgBulkRunning         = "Listings are being generated. Wait for the run to finish or /cancel it."
	MsgBulkNoEligibleItems = "Add photos to at least one item before processing."
	MsgBulkNoRun           = "Nothing is being processed."
	MsgBulkCancelling      = "Cancelling after the current item..."
	MsgBulkEnded           = "Bulk session ended."
	MsgBulkStatusHeader    = "*Bulk session* (%s)\n\n"
	MsgBulkNoItems         = "No items yet, send a photo to start.\n"
	MsgBulkRunProgress     = "\n*Progress:* %d/%d (%.0f%%)\n"
	MsgBulkRunFinished     = `
		*Done!* %s created, %d failed.

		Send /listings to see them or /export for a spreadsheet.`
	MsgBulkRunCanceled  = "Run canceled. %s created before stopping."
	MsgBulkRunAllFailed = "No listings could be generated. Check the errors above and try /process again."
)

// =============================================================================
// Listings and export messages
// =============================================================================

const (
	MsgListingsHeader   = "*Your latest listings:*\n\n"
	MsgListingsEmpty    = "You have no listings yet."
	MsgExportUsage      = "Usage: `/export [xlsx|csv] [all|fb|general]`"
	MsgExportNothing    = "Nothing to export for that filter."
	MsgUnknownCommand   = "Unknown command. Send /start for help."
	MsgSendPhotosOrDone = "Send photos, /new for the next item, /process to generate or /done to finish."
)
