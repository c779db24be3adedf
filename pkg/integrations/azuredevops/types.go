package azuredevops

const (
	field_Title        = "System.Title"
	field_Description  = "System.Description"
	field_State        = "System.State"
	field_WorkItemType = "System.WorkItemType"
	field_AssignedTo   = "System.AssignedTo"
	field_CreatedBy    = "System.CreatedBy"
	field_Tags         = "System.Tags"
	field_TeamProject  = "System.TeamProject"
	field_AreaPath     = "System.AreaPath"
	field_CreatedDate  = "System.CreatedDate"
	field_ChangedDate  = "System.ChangedDate"
	field_Priority     = "Microsoft.VSTS.Common.Priority"

	relation_Hyperlink  = "Hyperlink"
	relation_Attachment = "AttachedFile"
	relation_Parent     = "System.LinkTypes.Hierarchy-Reverse"
)

type workItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev"`
	Fields    map[string]any     `json:"fields"`
	Relations []workItemRelation `json:"relations,omitempty"`
	URL       string             `json:"url"`
	Links     struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"_links"`
}

type workItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type workItemList struct {
	Count int         `json:"count"`
	Value []*workItem `json:"value"`
}

type identityRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

// patchOperation is one RFC 6902 operation of a work item create or update.
type patchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

type attachmentReference struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type teamProject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	State       string `json:"state"`
}

type teamProjectList struct {
	Count int           `json:"count"`
	Value []teamProject `json:"value"`
}

type workItemType struct {
	Name          string `json:"name"`
	ReferenceName string `json:"referenceName"`
	Icon          struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"icon"`
	IsDisabled bool `json:"isDisabled"`
}

type workItemTypeList struct {
	Value []workItemType `json:"value"`
}

type workItemState struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	Category string `json:"category"`
}

type workItemStateList struct {
	Value []workItemState `json:"value"`
}
