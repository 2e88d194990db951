package ecm

// DOM affordances of the portal. These are the single authoritative
// definitions; label matching is case-sensitive on the rendered text with no
// extra whitespace normalization.
const (
	// Splash overlay shown during tree loads and content swaps
	selLoadingOverlay = `#loadingbar, .loading-mask`

	// Left folder tree (dynatree-style widget)
	selTreePanel = `#treeDiv`
	selTreeReady = `#treeDiv .dynatree-container`
	selTreeTitle = `#treeDiv span.dynatree-title`

	// Content pane
	selContentTitle = `#contentTitle`

	// Document table and its clickable name cells
	selDocTable = `#documentList tbody`
	selDocName  = `#documentList a.doc-name`

	// File list with per-row checkboxes
	selFileRow     = `#fileList tbody tr`
	selRowCheckbox = `input[type="checkbox"]`

	// The portal's "copy URL" control
	selCopyButton = `#btnCopyUrl`
)

// reportNameToken is the portal's test-report document name. Both the
// document pick and the URL parser prefer rows carrying it.
const reportNameToken = "시험성적서"

// committeeLabel is the fixed second-level folder under the year folder.
const committeeLabel = "GS인증심의위원회"

// yearFolderSuffix forms the primary year-folder label "{year} 시험서비스".
const yearFolderSuffix = " 시험서비스"
