package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

const UnknownUserName = "Unknown User"

// ProfileFields 是资料接口的原始响应，不同后端版本字段名不一致。
type ProfileFields map[string]json.RawMessage

// Profile 是资料卡片展示用的归一化资料。
type Profile struct {
	ID        int64           `json:"id"`
	FullName  string          `json:"fullName"`
	Email     string          `json:"email"`
	Phone     string          `json:"phone"`
	Bio       string          `json:"bio"`
	Age       string          `json:"age"`
	Sex       string          `json:"sex"`
	Height    string          `json:"height"`
	Location  json.RawMessage `json:"location"`
	Languages []string        `json:"languages"`
	Interests []string        `json:"interests"`
	Pets      []string        `json:"pets"`
	CreatedAt string          `json:"createdAt"`
	Photos    []string        `json:"photos"`
}

// FallbackProfile 在资料接口全部失败时使用，name 为空时显示 Unknown User。
func FallbackProfile(id int64, name string) Profile {
	name = strings.TrimSpace(name)
	if name == "" {
		name = UnknownUserName
	}
	return Profile{
		ID:        id,
		FullName:  name,
		Location:  json.RawMessage(`{}`),
		Languages: []string{},
		Interests: []string{},
		Pets:      []string{},
		Photos:    []string{},
	}
}

// ProfileOf 把当前登录用户转成资料卡片。
func ProfileOf(u UserProfile) Profile {
	p := FallbackProfile(u.ID, u.FullName)
	p.Email = u.Email
	if u.Avatar != "" {
		p.Photos = []string{u.Avatar}
	}
	return p
}

// NormalizeProfile 按字段别名归一化资料。nameHint 来自会话列表，优先于资料中的名字。
func NormalizeProfile(id int64, f ProfileFields, nameHint string) Profile {
	if f == nil {
		return FallbackProfile(id, nameHint)
	}
	p := FallbackProfile(id, "")
	if v, ok := f.integer("id"); ok && v != 0 {
		p.ID = v
	}

	name := strings.TrimSpace(nameHint)
	for _, k := range []string{"fullName", "name", "displayName"} {
		if name != "" {
			break
		}
		name = strings.TrimSpace(f.str(k))
	}
	if name == "" {
		if first, last := f.str("firstName"), f.str("lastName"); first != "" && last != "" {
			name = strings.TrimSpace(first + " " + last)
		}
	}
	if name == "" {
		name = strings.TrimSpace(f.str("username"))
	}
	if name != "" {
		p.FullName = name
	}

	p.Email = f.first("email", "mail")
	p.Phone = f.first("phone", "phoneNumber")
	p.Bio = f.first("bio", "description", "about")
	p.Age = f.str("age")
	p.Sex = f.first("sex", "gender")
	p.Height = f.str("height")
	p.CreatedAt = f.first("createdAt", "createdDate")
	if loc := f.raw("location", "address"); loc != nil {
		p.Location = loc
	}
	p.Languages = f.list("languages", "language")
	p.Interests = f.list("interests", "hobbies")
	p.Pets = f.list("pets")
	p.Photos = f.list("photos", "images", "avatar")
	return p
}

// raw 返回第一个非空值的原始 JSON。
func (f ProfileFields) raw(keys ...string) json.RawMessage {
	for _, k := range keys {
		v, ok := f[k]
		if !ok {
			continue
		}
		s := strings.TrimSpace(string(v))
		if s == "" || s == "null" || s == `""` || s == "false" || s == "0" {
			continue
		}
		return v
	}
	return nil
}

// str 读取字符串或数字字段，其余类型视为空。
func (f ProfileFields) str(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func (f ProfileFields) first(keys ...string) string {
	for _, k := range keys {
		if s := f.str(k); s != "" {
			return s
		}
	}
	return ""
}

func (f ProfileFields) integer(key string) (int64, bool) {
	s := f.str(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// list 读取字符串数组；单个字符串按一个元素处理，对象数组取其 url 字段。
func (f ProfileFields) list(keys ...string) []string {
	v := f.raw(keys...)
	if v == nil {
		return []string{}
	}
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		return []string{one}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			URL  string `json:"url"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(it, &obj); err == nil {
			if obj.URL != "" {
				out = append(out, obj.URL)
			} else if obj.Name != "" {
				out = append(out, obj.Name)
			}
		}
	}
	return out
}
